package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// DatabaseCredentials is the JSON layout RDS-managed secrets use.
type DatabaseCredentials struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"dbname"`
}

// ResolveDSN loads the named secret and turns it into a DSN for driver.
// The secret may hold a plain DSN, a JSON object with a "dsn" field, or
// RDS-style connection fields.
func ResolveDSN(ctx context.Context, store SecretStore, name, driver string) (string, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}

	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		if trimmed == "" {
			return "", fmt.Errorf("secret %s is empty", name)
		}
		return trimmed, nil
	}

	var creds DatabaseCredentials
	if err := getSecretJSON(ctx, store, name, &creds); err != nil {
		return "", fmt.Errorf("decode secret %s: %w", name, err)
	}
	return creds.FormatDSN(driver)
}

func (c DatabaseCredentials) FormatDSN(driver string) (string, error) {
	if c.DSN != "" {
		return c.DSN, nil
	}
	if c.Host == "" || c.Username == "" {
		return "", fmt.Errorf("database secret needs host and username")
	}

	switch driver {
	case "postgres":
		port := c.Port
		if port == 0 {
			port = 5432
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(c.Username, c.Password),
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(port)),
			Path:   "/" + c.DBName,
		}
		return u.String(), nil
	case "mysql":
		port := c.Port
		if port == 0 {
			port = 3306
		}
		cfg := mysql.NewConfig()
		cfg.User = c.Username
		cfg.Passwd = c.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(port))
		cfg.DBName = c.DBName
		cfg.ParseTime = true
		return cfg.FormatDSN(), nil
	default:
		return "", fmt.Errorf("cannot build %q dsn from connection fields", driver)
	}
}

func (c *DatabaseCredentials) UnmarshalJSON(data []byte) error {
	type plain DatabaseCredentials
	var aux struct {
		plain
		Port json.RawMessage `json:"port"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = DatabaseCredentials(aux.plain)

	// RDS stores the port as a number; hand-written secrets often quote it.
	if len(aux.Port) > 0 && string(aux.Port) != "null" {
		s := strings.Trim(string(aux.Port), `"`)
		if s != "" {
			port, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("invalid port %s", aux.Port)
			}
			c.Port = port
		}
	}
	return nil
}
