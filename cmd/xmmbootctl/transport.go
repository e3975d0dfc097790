// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot/profile"
	"github.com/openchirp/xmmboot/transport"
	"github.com/openchirp/xmmboot/transport/chardev"
	"github.com/openchirp/xmmboot/transport/datagram"
	"github.com/openchirp/xmmboot/transport/serialline"
)

var kindNames = map[string]transport.Kind{
	"boot0":     transport.Boot0,
	"boot1":     transport.Boot1,
	"formatted": transport.Formatted,
	"rawaccess": transport.RawAccess,
}

// newTransport builds the transport selected by cfg for p.
func newTransport(cfg config, p *profile.Profile, log zerolog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "serialline":
		return serialline.New(serialline.Config{
			Paths:             p.DevicePaths(),
			BaudRate:          cfg.BaudRate,
			RTSCTSFlowControl: cfg.RTSCTS,
		}, log), nil
	case "datagram":
		endpoints := map[transport.Kind]datagram.Endpoint{}
		for name, pair := range cfg.Endpoints {
			kind, ok := kindNames[strings.ToLower(name)]
			if !ok {
				return nil, fmt.Errorf("datagram endpoint for unknown channel %q", name)
			}
			local, remote, _ := strings.Cut(pair, ",")
			endpoints[kind] = datagram.Endpoint{Local: strings.TrimSpace(local), Remote: strings.TrimSpace(remote)}
		}
		return datagram.New(datagram.Config{
			Network:   cfg.Network,
			Endpoints: endpoints,
			Interface: cfg.Interface,
		}, log), nil
	default:
		return chardev.New(chardev.Config{
			Paths:       p.DevicePaths(),
			HostPower:   p.Paths.HostPower,
			CheckStatus: cfg.CheckStatus,
		}, chardev.WithLogger(log)), nil
	}
}

// closeTransport releases transport wide resources, when the transport
// holds any.
func closeTransport(t transport.Transport) error {
	if c, ok := t.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
