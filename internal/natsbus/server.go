package natsbus

import (
	"fmt"
	"os"
	"time"

	"github.com/mtzanidakis/mediaswarm/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Bus is the in-process NATS broker that job and swarm events flow through.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Stats summarizes broker traffic for the status endpoint.
type Stats struct {
	Connections int   `json:"connections"`
	InMsgs      int64 `json:"in_msgs"`
	OutMsgs     int64 `json:"out_msgs"`
}

func (b *Bus) Stats() Stats {
	vz, err := b.server.Varz(nil)
	if err != nil {
		return Stats{Connections: b.server.NumClients()}
	}
	return Stats{
		Connections: vz.Connections,
		InMsgs:      vz.InMsgs,
		OutMsgs:     vz.OutMsgs,
	}
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
