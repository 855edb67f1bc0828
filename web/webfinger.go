package web

import (
	"fmt"

	"github.com/deemkeen/fedbridge/protocol"
	"github.com/deemkeen/fedbridge/util"
)

// GetWebfinger resolves a handle to a webfinger JRD pointing at the
// bridge's rendering of the account.
func GetWebfinger(handle string, reg *protocol.Registry, conf *util.AppConfig) (string, error) {
	proto, id := reg.ForHandle(handle)
	if proto == nil {
		return GetWebFingerNotFound(), fmt.Errorf("no protocol for handle %s", handle)
	}
	if id == "" {
		id = handle
	}

	return fmt.Sprintf(
		`{
			"subject": "acct:%s@%s",

			"links": [
				{
					"rel": "self",
					"type": "application/activity+json",
					"href": "https://%s.%s/convert/%s"
				}
			]
		}`, handle, conf.Conf.Domain,
		proto.Label(), conf.Conf.Domain, id), nil
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
