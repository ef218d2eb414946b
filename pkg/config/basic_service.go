package config

import (
	"net"
	"strconv"
)

// BasicService is a simple base for auxiliary listeners like pprof or
// Prometheus monitoring.
type BasicService struct {
	Enabled bool   `yaml:"Enabled"`
	Address string `yaml:"Address"`
	Port    uint16 `yaml:"Port"`
}

// Addr returns the host:port pair the service should bind to.
func (s BasicService) Addr() string {
	return net.JoinHostPort(s.Address, strconv.FormatUint(uint64(s.Port), 10))
}
