package dbprovisioner

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// serviceClaims authenticates a supervisor-to-provisioner request. Grounded
// on users/util/jwtclaims.go's YesterdayUserClaims shape, narrowed to the
// one field this internal call needs.
type serviceClaims struct {
	App      string `json:"app"`
	Expiry   int64  `json:"exp"`
	IssuedAt int64  `json:"iat"`
}

func (c serviceClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Expiry, 0)), nil
}
func (c serviceClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}
func (c serviceClaims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c serviceClaims) GetIssuer() (string, error)              { return "keterd", nil }
func (c serviceClaims) GetSubject() (string, error)             { return c.App, nil }
func (c serviceClaims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

var _ jwt.Claims = serviceClaims{}

// HTTP is a Provisioner that delegates to a remote provisioning service,
// authenticating the request with a JWT signed by a secret shared with that
// service. Grounded on database/middleware/middleware.go's Bearer-token
// pattern, used here as a client instead of server-side verification.
type HTTP struct {
	BaseURL string
	Secret  []byte
	Client  *http.Client
}

// NewHTTP returns an HTTP provisioner targeting baseURL and signing
// requests with secret.
func NewHTTP(baseURL string, secret []byte) *HTTP {
	return &HTTP{BaseURL: baseURL, Secret: secret, Client: &http.Client{Timeout: 5 * time.Second}}
}

// GetInfo signs a short-lived token asserting appName and requests
// credentials from the remote provisioning service.
func (h *HTTP) GetInfo(appName string) (Info, error) {
	now := time.Now()
	claims := serviceClaims{App: appName, IssuedAt: now.Unix(), Expiry: now.Add(30 * time.Second).Unix()}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(h.Secret)
	if err != nil {
		return Info{}, fmt.Errorf("%w: sign request: %v", ErrDBUnavailable, err)
	}

	req, err := http.NewRequest(http.MethodGet, h.BaseURL+"/provision?app="+appName, nil)
	if err != nil {
		return Info{}, fmt.Errorf("%w: build request: %v", ErrDBUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)

	resp, err := h.Client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("%w: request: %v", ErrDBUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("%w: status %s", ErrDBUnavailable, resp.Status)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("%w: decode response: %v", ErrDBUnavailable, err)
	}
	return info, nil
}
