package oniri

import "encoding/json"
import "errors"
import "fmt"
import "io/fs"
import "os"
import "path/filepath"
import "sync"

const TRANSPORT_TCP string = "tcp"
const TRANSPORT_UDP string = "udp"
const TRANSPORT_RPC string = "rpc"

const CONTROL_SERVER_NAME string = "cloudServer"
const CONTROL_CLIENT_NAME string = "cloudClient"

const CONFIG_DIR_NAME string = ".oniri"
const CONFIG_FILE_CLIENT string = "config.json"
const CONFIG_FILE_SERVER string = "configServer.json"

var ErrConfigNotFound = errors.New("config not found")

// ServiceDef is one service entry of the services document. Local entries
// describe servers and remote entries describe clients.
type ServiceDef struct {
	Name string `json:"name,omitempty"`
	Seed string `json:"seed,omitempty"`
	Transport string `json:"transport,omitempty"`
	Topic string `json:"topic,omitempty"`

	TargetHost string `json:"targetHost,omitempty"`
	TargetPort int `json:"targetPort,omitempty"`
	Allowed []string `json:"allowed,omitempty"`

	ProxyHost string `json:"proxyHost,omitempty"`
	ProxyPort int `json:"proxyPort,omitempty"`
	RemoteServiceKey string `json:"remoteServiceKey,omitempty"`
	RelayThrough string `json:"relayThrough,omitempty"`

	EnableMetrics bool `json:"enableMetrics,omitempty"`
	Compress bool `json:"compress,omitempty"`
}

type ServicesSection struct {
	Local map[string]*ServiceDef `json:"local"`
	Remote map[string]*ServiceDef `json:"remote"`
}

// ServicesConfig is the persisted services document. Clients holds the
// topology handed to each client over the control channel, keyed by the
// client's control key.
type ServicesConfig struct {
	Services ServicesSection `json:"services"`
	Clients map[string]*ServicesSection `json:"clients,omitempty"`
}

func (d *ServiceDef) Clone() *ServiceDef {
	var c ServiceDef

	if d == nil { return nil }
	c = *d
	if d.Allowed != nil { c.Allowed = copy_key_list(d.Allowed) }
	return &c
}

// Public returns a copy with the secrets stripped.
func (d *ServiceDef) Public() *ServiceDef {
	var c *ServiceDef
	c = d.Clone()
	c.Seed = ""
	return c
}

func (d *ServiceDef) TransportOrDefault() string {
	if d.Transport == "" { return TRANSPORT_TCP }
	return d.Transport
}

func clone_def_map(m map[string]*ServiceDef) map[string]*ServiceDef {
	var out map[string]*ServiceDef
	var k string
	var d *ServiceDef

	out = make(map[string]*ServiceDef, len(m))
	for k, d = range m { out[k] = d.Clone() }
	return out
}

func (s *ServicesSection) Clone() *ServicesSection {
	return &ServicesSection{Local: clone_def_map(s.Local), Remote: clone_def_map(s.Remote)}
}

// normalize makes sure both maps exist.
func (s *ServicesSection) normalize() {
	if s.Local == nil { s.Local = make(map[string]*ServiceDef) }
	if s.Remote == nil { s.Remote = make(map[string]*ServiceDef) }
}

func NewServicesConfig() *ServicesConfig {
	var c ServicesConfig
	c.Services.normalize()
	return &c
}

func (c *ServicesConfig) Clone() *ServicesConfig {
	var out ServicesConfig
	var k string
	var s *ServicesSection

	out.Services = *c.Services.Clone()
	if c.Clients != nil {
		out.Clients = make(map[string]*ServicesSection, len(c.Clients))
		for k, s = range c.Clients { out.Clients[k] = s.Clone() }
	}
	return &out
}

func ParseServicesConfig(b []byte) (*ServicesConfig, error) {
	var c ServicesConfig
	var s *ServicesSection
	var err error

	err = json.Unmarshal(b, &c)
	if err != nil { return nil, fmt.Errorf("invalid services config - %s", err.Error()) }
	c.Services.normalize()
	for _, s = range c.Clients { s.normalize() }
	return &c, nil
}

// GenerateServicesConfig creates a document holding a single control service
// with a fresh seed. A server gets a local rpc service and a client a remote
// one.
func GenerateServicesConfig(role Role) (*ServicesConfig, error) {
	var seed string
	var err error

	seed, err = GenerateSeed()
	if err != nil { return nil, err }
	return ServicesConfigFromSeed(role, seed, "")
}

// ServicesConfigFromSeed creates the initial document around a known control
// seed. The default control topic is used when topic is empty.
func ServicesConfigFromSeed(role Role, seed string, topic string) (*ServicesConfig, error) {
	var id *ServiceIdentity
	var cfg *ServicesConfig
	var err error

	id, err = DeriveIdentity(seed)
	if err != nil { return nil, err }
	if topic == "" { topic = default_rpc_topic }

	cfg = NewServicesConfig()
	if role == ROLE_SERVER {
		cfg.Services.Local[id.Key()] = &ServiceDef{
			Name: CONTROL_SERVER_NAME,
			Seed: seed,
			Topic: topic,
			Transport: TRANSPORT_RPC,
			Allowed: []string{},
		}
	} else {
		cfg.Services.Remote[id.Key()] = &ServiceDef{
			Name: CONTROL_CLIENT_NAME,
			Seed: seed,
			Topic: topic,
			Transport: TRANSPORT_RPC,
		}
	}
	return cfg, nil
}

// ------------------------------------------------------------------------

type ConfigStore interface {
	Exists() bool
	Load() (*ServicesConfig, error)
	Save(cfg *ServicesConfig) error
	Remove() error
}

// FileConfigStore keeps the services document in one json file.
type FileConfigStore struct {
	path string
	mtx sync.Mutex
}

func DefaultConfigPath(base_dir string, role Role) string {
	var name string

	if role == ROLE_SERVER {
		name = CONFIG_FILE_SERVER
	} else {
		name = CONFIG_FILE_CLIENT
	}
	return filepath.Join(base_dir, CONFIG_DIR_NAME, name)
}

func NewFileConfigStore(path string) *FileConfigStore {
	return &FileConfigStore{path: path}
}

func (fcs *FileConfigStore) Path() string {
	return fcs.path
}

func (fcs *FileConfigStore) Exists() bool {
	var err error
	_, err = os.Stat(fcs.path)
	return err == nil
}

func (fcs *FileConfigStore) Load() (*ServicesConfig, error) {
	var b []byte
	var err error

	fcs.mtx.Lock()
	defer fcs.mtx.Unlock()

	b, err = os.ReadFile(fcs.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) { return nil, fmt.Errorf("%w - %s", ErrConfigNotFound, fcs.path) }
		return nil, err
	}
	return ParseServicesConfig(b)
}

// Save writes the document to a temporary file and renames it over the
// old one. The file holds seeds and is readable by the owner only.
func (fcs *FileConfigStore) Save(cfg *ServicesConfig) error {
	var b []byte
	var tmp *os.File
	var tmp_name string
	var err error

	b, err = json.MarshalIndent(cfg, "", "  ")
	if err != nil { return err }

	fcs.mtx.Lock()
	defer fcs.mtx.Unlock()

	err = os.MkdirAll(filepath.Dir(fcs.path), 0700)
	if err != nil { return err }

	tmp, err = os.CreateTemp(filepath.Dir(fcs.path), "." + filepath.Base(fcs.path) + ".*")
	if err != nil { return err }
	tmp_name = tmp.Name()

	_, err = tmp.Write(b)
	if err == nil { err = tmp.Chmod(0600) }
	if err == nil { err = tmp.Sync() }
	if err != nil {
		tmp.Close()
		goto oops
	}
	err = tmp.Close()
	if err != nil { goto oops }

	err = os.Rename(tmp_name, fcs.path)
	if err != nil { goto oops }
	return nil

oops:
	os.Remove(tmp_name)
	return err
}

func (fcs *FileConfigStore) Remove() error {
	var err error

	fcs.mtx.Lock()
	defer fcs.mtx.Unlock()

	err = os.Remove(fcs.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) { return err }
	return nil
}

// MemoryConfigStore keeps the document in memory. Every Save stores a copy.
type MemoryConfigStore struct {
	mtx sync.Mutex
	cfg *ServicesConfig
	saves int
}

func NewMemoryConfigStore(cfg *ServicesConfig) *MemoryConfigStore {
	var mcs MemoryConfigStore
	if cfg != nil { mcs.cfg = cfg.Clone() }
	return &mcs
}

func (mcs *MemoryConfigStore) Exists() bool {
	mcs.mtx.Lock()
	defer mcs.mtx.Unlock()
	return mcs.cfg != nil
}

func (mcs *MemoryConfigStore) Load() (*ServicesConfig, error) {
	mcs.mtx.Lock()
	defer mcs.mtx.Unlock()
	if mcs.cfg == nil { return nil, ErrConfigNotFound }
	return mcs.cfg.Clone(), nil
}

func (mcs *MemoryConfigStore) Save(cfg *ServicesConfig) error {
	mcs.mtx.Lock()
	defer mcs.mtx.Unlock()
	mcs.cfg = cfg.Clone()
	mcs.saves++
	return nil
}

func (mcs *MemoryConfigStore) Remove() error {
	mcs.mtx.Lock()
	defer mcs.mtx.Unlock()
	mcs.cfg = nil
	return nil
}

func (mcs *MemoryConfigStore) SaveCount() int {
	mcs.mtx.Lock()
	defer mcs.mtx.Unlock()
	return mcs.saves
}
