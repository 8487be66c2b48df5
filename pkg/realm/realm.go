// Package realm derives connection identities from remote locations.
//
// A Realm is the scheme, host and port of a location with the path stripped. Locations that share a realm and
// carry equal credentials can share one physical connection.
package realm

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/objectfs/realmpool/pkg/errors"
)

// DefaultPorts maps schemes to the port used when a location does not name one.
var DefaultPorts = map[string]int{
	"ftp":   21,
	"sftp":  22,
	"ssh":   22,
	"nfs":   2049,
	"s3":    443,
	"http":  80,
	"https": 443,
}

// Realm identifies the physical endpoint of a location.
type Realm struct {
	Scheme string
	Host   string
	Port   int
}

// String renders the realm as scheme://host:port.
func (r Realm) String() string {
	return fmt.Sprintf("%s://%s", r.Scheme, r.Address())
}

// Address returns host:port, bracketing IPv6 hosts.
func (r Realm) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Credentials is a login/secret pair. A nil *Credentials means anonymous.
type Credentials struct {
	Login  string
	Secret string
}

// String never includes the secret.
func (c *Credentials) String() string {
	if c == nil {
		return "<anonymous>"
	}
	if c.Secret == "" {
		return c.Login
	}
	return c.Login + ":***"
}

// Equal reports whether a and b are both anonymous, or both present with the same login and secret.
func Equal(a, b *Credentials) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Login == b.Login && a.Secret == b.Secret
}

// Location is a parsed remote location.
type Location struct {
	Realm       Realm
	Path        string
	Credentials *Credentials
}

// ParseLocation parses scheme://[login[:secret]@]host[:port][/path].
func ParseLocation(raw string) (*Location, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidLocation, "cannot parse location").
			WithComponent("realm").
			WithCause(err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidLocation, "location has no scheme").
			WithComponent("realm").
			WithContext("location", redact(u))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidLocation, "location has no host").
			WithComponent("realm").
			WithContext("location", redact(u))
	}

	port := DefaultPorts[scheme]
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.NewError(errors.ErrCodeInvalidLocation, "invalid port").
				WithComponent("realm").
				WithContext("port", p)
		}
	}
	if port == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidLocation, "no port given and scheme has no default").
			WithComponent("realm").
			WithContext("scheme", scheme)
	}

	loc := &Location{
		Realm: Realm{Scheme: scheme, Host: host, Port: port},
		Path:  u.Path,
	}
	if u.User != nil {
		secret, _ := u.User.Password()
		loc.Credentials = &Credentials{Login: u.User.Username(), Secret: secret}
	}
	return loc, nil
}

// MustParseLocation is ParseLocation that panics on error. Intended for tests and constants.
func MustParseLocation(raw string) *Location {
	loc, err := ParseLocation(raw)
	if err != nil {
		panic(err)
	}
	return loc
}

// String renders the location with the secret masked.
func (l *Location) String() string {
	var sb strings.Builder
	sb.WriteString(l.Realm.Scheme)
	sb.WriteString("://")
	if l.Credentials != nil {
		sb.WriteString(l.Credentials.String())
		sb.WriteString("@")
	}
	sb.WriteString(l.Realm.Address())
	sb.WriteString(l.Path)
	return sb.String()
}

// Matches reports whether an entry with the given realm and credentials may serve this location.
func (l *Location) Matches(r Realm, c *Credentials) bool {
	return l.Realm == r && Equal(l.Credentials, c)
}

func redact(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	cp := *u
	cp.User = url.User(u.User.Username())
	return cp.String()
}
