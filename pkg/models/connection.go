package models

import (
	"fmt"
	"net"
	"strconv"
)

// ConnectionDescriptor holds everything needed to reach one database.
// SQLite only uses File; the network dialects use the remaining fields.
type ConnectionDescriptor struct {
	Dialect  Dialect           `json:"dialect" mapstructure:"dialect"`
	Host     string            `json:"host,omitempty" mapstructure:"host"`
	Port     int               `json:"port,omitempty" mapstructure:"port"`
	User     string            `json:"user,omitempty" mapstructure:"user"`
	Password string            `json:"-" mapstructure:"password"`
	Database string            `json:"database,omitempty" mapstructure:"database"`
	File     string            `json:"file,omitempty" mapstructure:"file"`
	Params   map[string]string `json:"params,omitempty" mapstructure:"params"`
}

// Redacted renders the descriptor for logs without credentials.
func (d ConnectionDescriptor) Redacted() string {
	if d.Dialect == DialectSQLite {
		return fmt.Sprintf("%s:%s", d.Dialect, d.File)
	}
	user := d.User
	if d.Password != "" {
		user += ":****"
	}
	return fmt.Sprintf("%s://%s@%s/%s", d.Dialect, user, d.Address(0), d.Database)
}

// Address joins host and port, using defaultPort when none is set.
func (d ConnectionDescriptor) Address(defaultPort int) string {
	port := d.Port
	if port == 0 {
		port = defaultPort
	}
	if port == 0 {
		return d.Host
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// ConnectionSummary describes the server reached by a connectivity check.
type ConnectionSummary struct {
	Dialect         Dialect `json:"dialect"`
	DatabaseVersion string  `json:"database_version"`
	ServerInfo      string  `json:"server_info"`
	Database        string  `json:"connected_database"`
	User            string  `json:"user"`
}
