// Package replica opens short-lived connections to the wiki replica SQL
// cluster. Connections follow the hosting policy strictly: no idle
// persistent connections, idle timeout five seconds.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// ErrConnectionRefused is returned when the resolved host fails the hosted
// safety gate or credentials cannot be discovered.
var ErrConnectionRefused = errors.New("replica connection refused")

// Kind selects the replica cluster section.
type Kind string

const (
	Analytics Kind = "analytics"
	Web       Kind = "web"
)

const (
	hostedSuffix   = ".db.svc.wikimedia.cloud"
	hostedPort     = 3306
	devDefaultPort = 4711 // SSH-forwarded replica port in development
	idleTimeout    = 5 * time.Second
)

// Credentials are the replica login discovered at pool construction.
type Credentials struct {
	User     string
	Password string
}

// Pool opens replica connections on demand. It holds no connections itself;
// every Connect returns a fresh handle the caller closes after use.
type Pool struct {
	creds  *Credentials
	hosted bool
	log    *logrus.Entry
}

// NewPool discovers credentials and builds a pool. A discovery failure is
// logged, not fatal: DB-backed endpoints degrade until credentials appear.
func NewPool(log *logrus.Entry) *Pool {
	entry := log.WithField("component", "replica")
	creds, err := discoverCredentials()
	if err != nil {
		entry.WithError(err).Warn("replica credentials unavailable, DB-backed endpoints degraded")
	}
	return &Pool{
		creds:  creds,
		hosted: isHosted(),
		log:    entry,
	}
}

// Available reports whether credentials were discovered.
func (p *Pool) Available() bool { return p.creds != nil }

// Connect opens a connection to the replica for the given dbname. The
// returned handle keeps no idle connections and times out idle ones at 5s;
// callers close it when the job is done.
func (p *Pool) Connect(ctx context.Context, dbname string, kind Kind) (*sql.DB, error) {
	if p.creds == nil {
		return nil, fmt.Errorf("%w: no credentials", ErrConnectionRefused)
	}

	host, port := p.resolveHost(dbname, kind)
	if p.hosted && !strings.HasSuffix(host, hostedSuffix) {
		return nil, fmt.Errorf("%w: host %q outside %s", ErrConnectionRefused, host, hostedSuffix)
	}

	cfg := mysql.NewConfig()
	cfg.User = p.creds.User
	cfg.Passwd = p.creds.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = dbname + "_p"
	cfg.Timeout = 10 * time.Second
	cfg.ReadTimeout = 60 * time.Second

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("building replica connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(0)
	db.SetConnMaxIdleTime(idleTimeout)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("replica ping %s: %w", cfg.Addr, err)
	}
	p.log.WithFields(logrus.Fields{"dbname": dbname, "kind": kind}).Debug("replica connected")
	return db, nil
}

// resolveHost picks the replica host and port: the hosted naming scheme in
// the cloud environment, per-dbname env overrides otherwise, falling back to
// the development default.
func (p *Pool) resolveHost(dbname string, kind Kind) (string, int) {
	key := strings.ToUpper(dbname)
	host := os.Getenv("DISPATCH_TOOLSDB_HOST_" + key)

	if p.hosted {
		if host != "" {
			// Overrides still pass through the suffix gate in Connect.
			return host, hostedPort
		}
		return fmt.Sprintf("%s.%s%s", dbname, kind, hostedSuffix), hostedPort
	}

	port := devDefaultPort
	if raw := os.Getenv("DISPATCH_TOOLSDB_PORT_" + key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			port = n
		}
	}
	if host == "" {
		host = "localhost"
	}
	return host, port
}

func isHosted() bool {
	return os.Getenv("TOOL_DATA_DIR") != "" || os.Getenv("DISPATCH_TOOLFORGE") != ""
}

// discoverCredentials resolves the replica login, first hit wins:
// explicit env, hosted build-service env, INI in the tool data dir, INI in
// home, INI in the project root.
func discoverCredentials() (*Credentials, error) {
	if user := os.Getenv("DISPATCH_TOOLSDB_USER"); user != "" {
		return &Credentials{User: user, Password: os.Getenv("DISPATCH_TOOLSDB_PASS")}, nil
	}
	if user := os.Getenv("TOOL_TOOLSDB_USER"); user != "" {
		return &Credentials{User: user, Password: os.Getenv("TOOL_TOOLSDB_PASSWORD")}, nil
	}

	var paths []string
	if dir := os.Getenv("TOOL_DATA_DIR"); dir != "" {
		paths = append(paths, filepath.Join(dir, "replica.my.cnf"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "replica.my.cnf"))
	}
	paths = append(paths, "replica.my.cnf")

	for _, path := range paths {
		creds, err := readCredentialFile(path)
		if err == nil {
			return creds, nil
		}
	}
	return nil, fmt.Errorf("no replica credentials in env or %v", paths)
}

func readCredentialFile(path string) (*Credentials, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	section := f.Section("client")
	user := strings.Trim(section.Key("user").String(), "'\"")
	pass := strings.Trim(section.Key("password").String(), "'\"")
	if user == "" {
		return nil, fmt.Errorf("%s: no user in [client]", path)
	}
	return &Credentials{User: user, Password: pass}, nil
}
