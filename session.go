package chatsync

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Role is the CRM role carried in the session token.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleAgent      Role = "AGENT"
)

// Session is the authenticated identity that owns the connection lifecycle.
type Session struct {
	Token    string `validate:"required"`
	TenantID string `validate:"required"`
	UserID   string `validate:"required"`
	Role     Role
}

var validate = validator.New()

// Validate reports the first missing or malformed field.
func (s Session) Validate() error {
	if err := validate.Struct(s); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			first := vErrs[0]
			return fmt.Errorf("session field %s failed %q", first.Field(), first.Tag())
		}
		return err
	}
	return nil
}

// Privileged sessions administer tenants and never open a chat socket.
func (s Session) Privileged() bool {
	return s.Role == RoleSuperAdmin
}

type sessionClaims struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ParseSession builds a Session from a bearer token. The signature is not
// checked here; the server verifies it on every request and on the socket
// handshake. A non-empty tenantID overrides the tenant claim.
func ParseSession(token, tenantID string) (Session, error) {
	claims := &sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Session{}, errors.Wrap(err, "parse session token")
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if tenantID == "" {
		tenantID = claims.TenantID
	}
	s := Session{
		Token:    token,
		TenantID: tenantID,
		UserID:   userID,
		Role:     Role(strings.ToUpper(claims.Role)),
	}
	return s, s.Validate()
}

// ResolveTenant derives the tenant from the first label of a host with three
// or more labels ("acme.crm.example.com" -> "acme"). Shorter hosts, IP
// addresses and empty first labels fall back to the persisted default.
func ResolveTenant(host, fallback string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || net.ParseIP(host) != nil {
		return fallback
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 || labels[0] == "" {
		return fallback
	}
	return labels[0]
}
