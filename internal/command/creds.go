package command

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"homgard/internal/homgar"
)

// BrokerCredentials is the signed connect tuple the vendor broker
// expects, derived from a subscription grant.
type BrokerCredentials struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// DeriveCredentials builds the broker connect tuple from a grant. The
// broker authenticates Aliyun-style: the password is an uppercase hex
// HMAC-SHA1 over the client identity, keyed by the grant's device
// secret.
func DeriveCredentials(grant homgar.MQTTCredentials) BrokerCredentials {
	dn, pk := grant.DeviceName, grant.ProductKey
	content := fmt.Sprintf("clientId%sdeviceName%sproductKey%s", dn, dn, pk)

	mac := hmac.New(sha1.New, []byte(grant.DeviceSecret))
	mac.Write([]byte(content))
	password := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))

	return BrokerCredentials{
		BrokerURL: brokerURL(grant.MQTTHostURL),
		ClientID:  fmt.Sprintf("%s|securemode=3,signmethod=hmacsha1|", dn),
		Username:  fmt.Sprintf("%s&%s", dn, pk),
		Password:  password,
	}
}

// brokerURL normalizes the grant's host into a broker URL. The vendor
// returns "host:port" or a bare host (port 1883 implied).
func brokerURL(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	if !strings.Contains(host, ":") {
		host += ":1883"
	}
	return "tcp://" + host
}

// AckTopic is the reply topic carrying command acknowledgments for the
// granted subscriber identity.
func AckTopic(productKey, deviceName string) string {
	return fmt.Sprintf("/sys/%s/%s/thing/service/+/reply", productKey, deviceName)
}

// CommandTopic is the property-set topic of the hub a command targets.
func CommandTopic(productKey, deviceName string) string {
	return fmt.Sprintf("/sys/%s/%s/thing/service/property/set", productKey, deviceName)
}
