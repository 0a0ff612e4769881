package main

import "context"
import "crypto/tls"
import "fmt"
import "io"
import "oniri"
import "os"
import "os/signal"
import "sync"
import "syscall"
import "time"

import "github.com/joho/godotenv"
import "gopkg.in/alecthomas/kingpin.v2"

const ONIRI_NAME string = "oniri"

// --------------------------------------------------------------------

type signal_handler struct {
	logger *AppLogger
	on_stop func(sig os.Signal)
	stop_chan chan bool
}

func new_signal_handler(logger *AppLogger, on_stop func(sig os.Signal)) *signal_handler {
	return &signal_handler{logger: logger, on_stop: on_stop, stop_chan: make(chan bool, 1)}
}

func (sh *signal_handler) RunTask(wg *sync.WaitGroup) {
	var sighup_chan chan os.Signal
	var sigterm_chan chan os.Signal
	var sig os.Signal

	defer wg.Done()

	sighup_chan = make(chan os.Signal, 1)
	sigterm_chan = make(chan os.Signal, 1)

	signal.Notify(sighup_chan, syscall.SIGHUP)
	signal.Notify(sigterm_chan, syscall.SIGTERM, os.Interrupt)

chan_loop:
	for {
		select {
			case <-sighup_chan:
				sh.logger.Rotate()

			case sig = <-sigterm_chan:
				sh.logger.Write("", oniri.LOG_INFO, "Termination by signal %s", sig)
				sh.on_stop(sig)
				break chan_loop

			case <-sh.stop_chan:
				break chan_loop
		}
	}

	signal.Stop(sighup_chan)
	signal.Stop(sigterm_chan)
}

func (sh *signal_handler) ReqStop() {
	select {
		case sh.stop_chan <- true:
		default:
	}
}

// --------------------------------------------------------------------

func load_env(env_file string) error {
	var err error

	if env_file != "" { return godotenv.Load(env_file) }
	if _, err = os.Stat(".env"); err == nil { return godotenv.Load(".env") }
	return nil
}

func open_logger(cfg *AppConfig) (*AppLogger, error) {
	var mask oniri.LogMask
	var err error

	mask, err = cfg.LogMask()
	if err != nil { return nil, err }

	if cfg.Log.File == "" { return NewAppLogger(ONIRI_NAME, os.Stderr, mask), nil }
	return NewAppLoggerToFile(ONIRI_NAME, cfg.Log.File, cfg.Log.MaxSize, cfg.Log.Rotate, mask)
}

func make_ctl_server(cfg *AppConfig, o *oniri.Oniri, relay *oniri.RelayServer, logger oniri.Logger) (*oniri.CtlServer, error) {
	var tlscfg *tls.Config
	var err error

	if len(cfg.CTL.Listen) <= 0 { return nil, nil }

	tlscfg, err = make_tls_server_config(&cfg.CTL.TLS)
	if err != nil { return nil, fmt.Errorf("invalid ctl tls config - %s", err.Error()) }

	if cfg.CTL.JwtSecret == "" {
		logger.Write("", oniri.LOG_WARN, "Control endpoint on %v is open without authentication", cfg.CTL.Listen)
	}

	return oniri.NewCtlServer(ONIRI_NAME, o, relay, logger, &oniri.CtlConfig{
		Addrs: cfg.CTL.Listen,
		Tls: tlscfg,
		Prefix: cfg.CTL.Prefix,
		JwtSecret: cfg.CTL.JwtSecret,
	})
}

func daemon_main(cfg *AppConfig) error {
	var logger *AppLogger
	var role oniri.Role
	var ov oniri.Overlay
	var tlscfg *tls.Config
	var o *oniri.Oniri
	var ctl *oniri.CtlServer
	var sh *signal_handler
	var wg sync.WaitGroup
	var ctx context.Context
	var cancel context.CancelFunc
	var err error

	role, err = oniri.ParseRole(cfg.Role)
	if err != nil { return err }

	logger, err = open_logger(cfg)
	if err != nil { return fmt.Errorf("failed to open logger - %s", err.Error()) }
	defer logger.Close()

	if cfg.Relay.Address == "" {
		logger.Write("", oniri.LOG_WARN, "No relay address configured. Only services of this process can reach each other")
		ov = oniri.NewMemoryOverlay()
	} else {
		tlscfg, err = make_tls_client_config(&cfg.Relay.TLS)
		if err != nil { return fmt.Errorf("invalid relay tls config - %s", err.Error()) }
		ov = oniri.NewRelayOverlay(oniri.RelayOverlayConfig{
			Addr: cfg.Relay.Address,
			Tls: tlscfg,
			PingIntvl: cfg.Relay.PingIntvl,
		}, logger)
	}

	o = oniri.NewOniri(&oniri.OniriOptions{
		Role: role,
		Overlay: ov,
		ConfigStore: oniri.NewFileConfigStore(cfg.ServicesPath(role)),
		Password: os.Getenv(cfg.PasswordEnv),
		Log: logger,
	})

	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	err = o.Init(ctx)
	if err != nil { return fmt.Errorf("failed to initialize - %s", err.Error()) }

	if cfg.Watch {
		err = o.WatchConfig(cfg.ServicesPath(role))
		if err != nil { logger.Write("", oniri.LOG_WARN, "Unable to watch %s - %s", cfg.ServicesPath(role), err.Error()) }
	}

	ctl, err = make_ctl_server(cfg, o, nil, logger)
	if err != nil {
		o.Close()
		return fmt.Errorf("failed to create control server - %s", err.Error())
	}
	if ctl != nil { ctl.StartService(nil) }

	logger.Write("", oniri.LOG_INFO, "Running as %s with control key %s", role.String(), o.ControlKey())

	sh = new_signal_handler(logger, func(sig os.Signal) { cancel() })
	wg.Add(1)
	go sh.RunTask(&wg)

	<-ctx.Done()

	if ctl != nil {
		ctl.StopServices()
		ctl.WaitForTermination()
	}
	err = o.Close()
	sh.ReqStop()
	wg.Wait()
	return err
}

func relay_main(cfg *AppConfig) error {
	var logger *AppLogger
	var tlscfg *tls.Config
	var relay *oniri.RelayServer
	var ctl *oniri.CtlServer
	var sh *signal_handler
	var wg sync.WaitGroup
	var err error

	if len(cfg.Relay.Listen) <= 0 { return fmt.Errorf("no relay listen address configured") }

	logger, err = open_logger(cfg)
	if err != nil { return fmt.Errorf("failed to open logger - %s", err.Error()) }
	defer logger.Close()

	tlscfg, err = make_tls_server_config(&cfg.Relay.ServerTLS)
	if err != nil { return fmt.Errorf("invalid relay tls config - %s", err.Error()) }

	relay, err = oniri.NewRelayServer(context.Background(), ONIRI_NAME, logger, &oniri.RelayServerConfig{
		RpcAddrs: cfg.Relay.Listen,
		RpcTls: tlscfg,
		RpcMinPingIntvl: cfg.Relay.MinPingIntvl,
	})
	if err != nil { return fmt.Errorf("failed to create relay - %s", err.Error()) }

	ctl, err = make_ctl_server(cfg, nil, relay, logger)
	if err != nil { return fmt.Errorf("failed to create control server - %s", err.Error()) }

	relay.StartService(nil)
	if ctl != nil { ctl.StartService(nil) }
	logger.Write("", oniri.LOG_INFO, "Relay listening on %v", relay.Addrs())

	sh = new_signal_handler(logger, func(sig os.Signal) {
		if ctl != nil { ctl.StopServices() }
		relay.StopServices()
	})
	wg.Add(1)
	go sh.RunTask(&wg)

	relay.WaitForTermination()
	if ctl != nil {
		ctl.StopServices()
		ctl.WaitForTermination()
	}
	sh.ReqStop()
	wg.Wait()
	return nil
}

func keygen_main(w io.Writer, password string) error {
	var seed string
	var id *oniri.ServiceIdentity
	var sealed string
	var err error

	seed, err = oniri.GenerateSeed()
	if err != nil { return err }
	id, err = oniri.DeriveIdentity(seed)
	if err != nil { return err }

	if password != "" {
		sealed, err = oniri.EncryptSeed(seed, password)
		if err != nil { return err }
		seed = sealed
	}

	fmt.Fprintf(w, "seed: %s\nkey: %s\n", seed, id.Key())
	return nil
}

func main() {
	var app *kingpin.Application
	var cfg_file *string
	var env_file *string

	var daemon_cmd *kingpin.CmdClause
	var daemon_role *string
	var daemon_relay *string

	var relay_cmd *kingpin.CmdClause
	var relay_listen *[]string

	var keygen_cmd *kingpin.CmdClause
	var keygen_password_env *string

	var encrypt_cmd *kingpin.CmdClause
	var encrypt_seed *string
	var encrypt_password_env *string

	var token_cmd *kingpin.CmdClause
	var token_subject *string
	var token_ttl *time.Duration

	var cmd string
	var cfg *AppConfig
	var sealed string
	var tok string
	var err error

	app = kingpin.New(ONIRI_NAME, "Peer-to-peer service tunnels")
	app.Version(oniri.ONIRI_VERSION)
	cfg_file = app.Flag("config", "Path to the daemon configuration file.").Short('c').String()
	env_file = app.Flag("env-file", "Environment file to load before reading the configuration.").String()

	daemon_cmd = app.Command("daemon", "Run the services of the services document.").Default()
	daemon_role = daemon_cmd.Flag("role", "Role to run as (server or client).").String()
	daemon_relay = daemon_cmd.Flag("relay", "Address of the relay server.").String()

	relay_cmd = app.Command("relay", "Run a relay server.")
	relay_listen = relay_cmd.Flag("listen", "Address to accept overlay nodes on.").Strings()

	keygen_cmd = app.Command("keygen", "Generate a service seed and print its public key.")
	keygen_password_env = keygen_cmd.Flag("password-env", "Seal the seed with the password in this environment variable.").String()

	encrypt_cmd = app.Command("encrypt-seed", "Seal a seed with a password.")
	encrypt_seed = encrypt_cmd.Arg("seed", "Hex seed to seal.").Required().String()
	encrypt_password_env = encrypt_cmd.Flag("password-env", "Environment variable holding the password.").Default("ONIRI_PASSWORD").String()

	token_cmd = app.Command("ctl-token", "Issue a bearer token for the control endpoint.")
	token_subject = token_cmd.Flag("subject", "Token subject.").Default("admin").String()
	token_ttl = token_cmd.Flag("ttl", "Token lifetime. Zero for no expiry.").Default("24h").Duration()

	cmd = kingpin.MustParse(app.Parse(os.Args[1:]))

	err = load_env(*env_file)
	if err != nil { app.Fatalf("failed to load environment file - %s", err.Error()) }

	cfg, err = LoadAppConfig(*cfg_file)
	if err != nil { app.Fatalf("failed to load configuration - %s", err.Error()) }

	switch cmd {
		case daemon_cmd.FullCommand():
			if *daemon_role != "" { cfg.Role = *daemon_role }
			if *daemon_relay != "" { cfg.Relay.Address = *daemon_relay }
			err = daemon_main(cfg)

		case relay_cmd.FullCommand():
			if len(*relay_listen) > 0 { cfg.Relay.Listen = *relay_listen }
			err = relay_main(cfg)

		case keygen_cmd.FullCommand():
			if *keygen_password_env != "" {
				err = keygen_main(os.Stdout, os.Getenv(*keygen_password_env))
			} else {
				err = keygen_main(os.Stdout, "")
			}

		case encrypt_cmd.FullCommand():
			if os.Getenv(*encrypt_password_env) == "" {
				err = fmt.Errorf("no password in %s", *encrypt_password_env)
			} else {
				sealed, err = oniri.EncryptSeed(*encrypt_seed, os.Getenv(*encrypt_password_env))
				if err == nil { fmt.Println(sealed) }
			}

		case token_cmd.FullCommand():
			tok, err = oniri.MakeCtlToken(cfg.CTL.JwtSecret, *token_subject, *token_ttl)
			if err == nil { fmt.Println(tok) }
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		os.Exit(1)
	}
}
