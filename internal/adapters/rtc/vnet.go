package rtc

import (
	"fmt"

	"github.com/pion/transport/v3/vnet"

	calllog "github.com/dkeye/Call/internal/logging"
)

// VirtualLAN is an in-process network of hosts on one router, for running
// calls without touching real interfaces.
type VirtualLAN struct {
	router *vnet.Router
	Hosts  []*vnet.Net
}

// NewVirtualLAN starts a 10.10.0.0/24 router with n hosts at .2, .3 and so on.
func NewVirtualLAN(n int) (*VirtualLAN, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.10.0.0/24",
		LoggerFactory: calllog.NewPionFactory("warn"),
	})
	if err != nil {
		return nil, fmt.Errorf("vnet router: %w", err)
	}
	lan := &VirtualLAN{router: router}
	for i := 0; i < n; i++ {
		host, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.10.0.%d", i+2)}})
		if err != nil {
			return nil, fmt.Errorf("vnet host %d: %w", i, err)
		}
		if err := router.AddNet(host); err != nil {
			return nil, fmt.Errorf("vnet attach %d: %w", i, err)
		}
		lan.Hosts = append(lan.Hosts, host)
	}
	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("vnet start: %w", err)
	}
	return lan, nil
}

func (l *VirtualLAN) Close() error {
	return l.router.Stop()
}
