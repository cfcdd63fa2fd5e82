package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	coremetrics "github.com/kilianp07/wqforecast/core/metrics"
)

func waitForMQTTReady(broker string, timeout time.Duration) error {
	opts := paho.NewClientOptions().AddBroker(broker).SetClientID("wqforecast-test")
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		cli := paho.NewClient(opts)
		token := cli.Connect()
		token.Wait()
		if token.Error() == nil {
			cli.Disconnect(100)
			return nil
		}
		lastErr = token.Error()
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for broker")
	}
	return lastErr
}

func startMosquitto(ctx context.Context, t *testing.T) string {
	t.Helper()
	conf := "listener 1883\nallow_anonymous true\npersistence false\nlog_dest stdout\n"
	path := filepath.Join(t.TempDir(), "mosquitto.conf")
	require.NoError(t, os.WriteFile(path, []byte(conf), 0644))

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2.0",
		ExposedPorts: []string{"1883/tcp"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
		Files: []tc.ContainerFile{{
			HostFilePath:      path,
			ContainerFilePath: "/mosquitto/config/mosquitto.conf",
			FileMode:          0644,
		}},
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("container start: %v", err)
	}
	t.Cleanup(func() { _ = cont.Terminate(context.Background()) })
	host, err := cont.Host(ctx)
	require.NoError(t, err)
	port, err := cont.MappedPort(ctx, "1883")
	require.NoError(t, err)
	broker := fmt.Sprintf("tcp://%s:%s", host, port.Port())
	if err := waitForMQTTReady(broker, 5*time.Second); err != nil {
		t.Skipf("mosquitto not ready at %s: %v", broker, err)
	}
	return broker
}

func TestNotifierWithMosquitto(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	ctx := context.Background()
	broker := startMosquitto(ctx, t)

	received := make(chan RunMessage, 1)
	sub := paho.NewClient(paho.NewClientOptions().AddBroker(broker).SetClientID("watcher"))
	token := sub.Connect()
	token.Wait()
	require.NoError(t, token.Error())
	defer sub.Disconnect(100)
	token = sub.Subscribe(DefaultTopic+"/+/status", 1, func(_ paho.Client, m paho.Message) {
		var msg RunMessage
		if json.Unmarshal(m.Payload(), &msg) == nil {
			received <- msg
		}
	})
	token.Wait()
	require.NoError(t, token.Error())

	n, err := NewNotifier(Config{Broker: broker, ClientID: "notifier", QoS: 1})
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.RecordRun(coremetrics.RunEvent{RunID: "it-1", Model: "persistence", State: "completed", Tasks: 8, Chunks: 4}))

	select {
	case msg := <-received:
		assert.Equal(t, "it-1", msg.RunID)
		assert.Equal(t, "completed", msg.State)
		assert.Equal(t, 4, msg.Chunks)
	case <-time.After(5 * time.Second):
		t.Fatal("status message not received")
	}
}
