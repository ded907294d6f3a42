package mqtt

import (
	"context"
	"sync"

	mqttv2 "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
)

// StartBroker runs an in-process broker on address until ctx is done. It is
// used in standalone mode when no Home Assistant broker is reachable.
func StartBroker(ctx context.Context, wg *sync.WaitGroup, address string, logger *logrus.Logger) (*mqttv2.Server, error) {
	server := mqttv2.New(&mqttv2.Options{
		InlineClient: true,
	})

	// Allow all connections.
	_ = server.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: address})
	if err := server.AddListener(tcp); err != nil {
		return nil, err
	}

	if err := server.Serve(); err != nil {
		return nil, err
	}
	logger.Infof("Embedded MQTT broker listening on %s", address)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		server.Close()
		logger.Info("Embedded MQTT broker stopped")
	}()
	return server, nil
}
