package application

import (
	"fmt"
	"strconv"

	"socks-proxy/internal/domain"
)

// Config is the result of parsing the positional CLI arguments:
// `proxy [port] [username password]`.
type Config struct {
	Port        int
	Credentials *domain.Credentials
}

// ParseArgs accepts exactly these forms:
//
//	0 args -> port 1080, no auth
//	1 arg  -> port number (1..65535), no auth
//	2 args -> port 1080, username + password auth
//	3 args -> port + username + password
//	anything else -> error
func ParseArgs(args []string) (Config, error) {
	switch len(args) {
	case 0:
		return Config{Port: 1080}, nil
	case 1:
		port, err := parsePort(args[0])
		if err != nil {
			return Config{}, err
		}
		return Config{Port: port}, nil
	case 2:
		return Config{
			Port:        1080,
			Credentials: &domain.Credentials{Username: []byte(args[0]), Password: []byte(args[1])},
		}, nil
	case 3:
		port, err := parsePort(args[0])
		if err != nil {
			return Config{}, err
		}
		return Config{
			Port:        port,
			Credentials: &domain.Credentials{Username: []byte(args[1]), Password: []byte(args[2])},
		}, nil
	default:
		return Config{}, fmt.Errorf("usage: proxy [port] [username password]")
	}
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1..65535", n)
	}
	return n, nil
}
