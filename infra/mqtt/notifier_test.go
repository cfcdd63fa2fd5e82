package mqtt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coremetrics "github.com/kilianp07/wqforecast/core/metrics"
	coremon "github.com/kilianp07/wqforecast/core/monitoring"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	tmpl := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	for path, data := range map[string][]byte{certFile: certPEM, keyFile: keyPEM, caFile: certPEM} {
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return
}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// mockClient implements pahoClient for tests
type mockClient struct {
	opts         *paho.ClientOptions
	published    []published
	publishErrs  []error
	connectErr   error
	disconnected bool
}

func (m *mockClient) IsConnected() bool { return !m.disconnected }
func (m *mockClient) Connect() paho.Token {
	return &dummyToken{err: m.connectErr}
}
func (m *mockClient) Disconnect(uint) { m.disconnected = true }
func (m *mockClient) Publish(topic string, qos byte, retain bool, payload interface{}) paho.Token {
	m.published = append(m.published, published{topic, qos, retain, payload.([]byte)})
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

func withMock(t *testing.T, mc *mockClient) {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
}

type recordMonitor struct {
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.err = err
	r.tags = tags
}

func (r *recordMonitor) Flush(time.Duration) {}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, tlsCfg.Certificates)
	assert.NotNil(t, tlsCfg.RootCAs)

	_, err = Config{UseTLS: true, ClientCert: cert}.LoadTLSConfig()
	assert.Error(t, err)
}

func TestNewClientOptions(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p", LWTTopic: "lwt", LWTPayload: "bye", LWTQoS: 1})
	require.NoError(t, err)
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "lwt", opts.WillTopic)
	assert.Equal(t, "bye", string(opts.WillPayload))

	_, err = NewClientOptions(Config{Broker: "tcp://localhost:1883", UseTLS: true})
	assert.Error(t, err)
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	assert.Equal(t, DefaultTopic, cfg.Topic)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Error(t, cfg.Validate())
	cfg.Broker = "tcp://b:1883"
	assert.NoError(t, cfg.Validate())
	cfg.QoS = 3
	assert.Error(t, cfg.Validate())
}

func TestNotifierConnectError(t *testing.T) {
	withMock(t, &mockClient{connectErr: fmt.Errorf("refused")})
	_, err := NewNotifier(Config{Broker: "tcp://localhost:1883"})
	assert.ErrorContains(t, err, "refused")
}

func TestRecordRunPublishesStatus(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	n, err := NewNotifier(Config{Broker: "tcp://localhost:1883", QoS: 1, Retain: true})
	require.NoError(t, err)

	start := time.Unix(1700000000, 0)
	require.NoError(t, n.RecordRun(coremetrics.RunEvent{
		RunID: "r1", Model: "persistence", State: "completed",
		Tasks: 12, Chunks: 4, Start: start, Duration: 1500 * time.Millisecond,
	}))
	require.Len(t, mc.published, 1)
	p := mc.published[0]
	assert.Equal(t, "wqforecast/runs/r1/status", p.topic)
	assert.Equal(t, byte(1), p.qos)
	assert.True(t, p.retain)

	var msg RunMessage
	require.NoError(t, json.Unmarshal(p.payload, &msg))
	assert.Equal(t, RunMessage{
		RunID: "r1", Model: "persistence", State: "completed", Tasks: 12, Chunks: 4,
		DurationS: 1.5, FinishedAt: start.Add(1500 * time.Millisecond).UnixMilli(),
	}, msg)

	n.Close()
	assert.True(t, mc.disconnected)
}

func TestRecordTaskOnlyFailures(t *testing.T) {
	mc := &mockClient{}
	withMock(t, mc)
	n, err := NewNotifier(Config{Broker: "tcp://localhost:1883", Topic: "chl"})
	require.NoError(t, err)

	require.NoError(t, n.RecordTask(coremetrics.TaskEvent{RunID: "r2", Task: "load[0,0]", Op: "load"}))
	assert.Empty(t, mc.published)

	require.NoError(t, n.RecordTask(coremetrics.TaskEvent{RunID: "r2", Task: "forecast[1,0]", Op: "forecast", Failed: true, Duration: time.Second}))
	require.Len(t, mc.published, 1)
	assert.Equal(t, "chl/r2/failed", mc.published[0].topic)
	assert.False(t, mc.published[0].retain)
	var msg TaskMessage
	require.NoError(t, json.Unmarshal(mc.published[0].payload, &msg))
	assert.Equal(t, "forecast[1,0]", msg.Task)
}

func TestRetryLogic(t *testing.T) {
	mc := &mockClient{publishErrs: []error{fmt.Errorf("net fail"), nil}}
	withMock(t, mc)
	n, err := NewNotifier(Config{Broker: "tcp://localhost:1883", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	require.NoError(t, n.RecordRun(coremetrics.RunEvent{RunID: "r3", State: "failed", Err: "boom"}))
	assert.Len(t, mc.published, 2)
}

func TestPublishErrorCaptured(t *testing.T) {
	mc := &mockClient{publishErrs: []error{fmt.Errorf("net fail"), fmt.Errorf("net fail")}}
	withMock(t, mc)
	mon := &recordMonitor{}
	coremon.Init(mon)
	defer coremon.Init(nil)

	n, err := NewNotifier(Config{Broker: "tcp://localhost:1883", MaxRetries: 1, BackoffMS: 1})
	require.NoError(t, err)
	err = n.RecordRun(coremetrics.RunEvent{RunID: "r4", State: "completed"})
	require.Error(t, err)
	require.Error(t, mon.err)
	assert.Equal(t, "mqtt", mon.tags["module"])
	assert.Equal(t, "r4", mon.tags["run_id"])
	assert.Len(t, mc.published, 2)
}
