package command

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// pahoTransport adapts a paho client to the Transport interface. Auto
// reconnect is disabled: the Channel owns the reconnect state machine
// and the backoff schedule.
type pahoTransport struct {
	client mqtt.Client
}

// DialPaho is the production Dialer.
func DialPaho(creds BrokerCredentials, lost chan<- error) (Transport, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(creds.BrokerURL)
	opts.SetClientID(creds.ClientID)
	opts.SetUsername(creds.Username)
	opts.SetPassword(creds.Password)
	opts.SetProtocolVersion(4) // MQTT 3.1.1, what the vendor broker speaks
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetKeepAlive(120 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})
	return &pahoTransport{client: mqtt.NewClient(opts)}, nil
}

func (p *pahoTransport) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

func (p *pahoTransport) Subscribe(topic string, handler MessageHandler) error {
	token := p.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (p *pahoTransport) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (p *pahoTransport) Disconnect() {
	p.client.Disconnect(250)
}
