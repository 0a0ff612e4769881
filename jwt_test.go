package oniri

import "net/http"
import "net/http/httptest"
import "testing"
import "time"

func TestCtlToken(t *testing.T) {
	var tok string
	var claims *CtlClaims
	var err error

	tok, err = MakeCtlToken(test_ctl_secret, "tester", time.Minute)
	if err != nil { t.Fatalf("unable to make token - %s", err.Error()) }

	claims, err = VerifyCtlToken(test_ctl_secret, tok)
	if err != nil { t.Fatalf("unable to verify token - %s", err.Error()) }
	if claims.Subject != "tester" { t.Errorf("wrong subject %s", claims.Subject) }

	_, err = VerifyCtlToken("other-secret", tok)
	if err == nil { t.Errorf("token verified with a wrong secret") }

	tok, _ = MakeCtlToken(test_ctl_secret, "tester", -time.Minute)
	_, err = VerifyCtlToken(test_ctl_secret, tok)
	if err != nil { t.Errorf("a non-positive ttl means no expiry - %s", err.Error()) }

	_, err = MakeCtlToken("", "tester", 0)
	if err == nil { t.Errorf("empty secret accepted") }
}

func TestCtlBearerToken(t *testing.T) {
	var req *http.Request

	req = httptest.NewRequest(http.MethodGet, "/_ctl/events?token=from-query", nil)

	if ctl_bearer_token(req) != "from-query" { t.Errorf("query token ignored") }

	req.Header.Set("Authorization", "bearer from-header")
	if ctl_bearer_token(req) != "from-header" { t.Errorf("header token not preferred - %s", ctl_bearer_token(req)) }

	req = httptest.NewRequest(http.MethodGet, "/_ctl/services", nil)
	req.Header.Set("Authorization", "Basic abc")
	if ctl_bearer_token(req) != "" { t.Errorf("non-bearer authorization accepted") }
}
