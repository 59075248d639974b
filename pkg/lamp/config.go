package lamp

import (
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/lampwatch/lampwatch/pkg/common"
)

// Configured sets up a Client from flags.
func Configured() *Client {
	c := &Client{}

	baseURL := lflag.String("lamp-base-url", "http://xmnengjia.com/sdLamp/api/external", "Base URL of the lamp external API")
	username := lflag.String("username", "", "Username for the lamp API")
	password := lflag.String("password", "", "Password for the lamp API")
	timeout := lflag.Duration("lamp-timeout", 30*time.Second, "Timeout for a single lamp API request")
	pageSize := lflag.Int("lamp-page-size", DefaultPageSize, "Page size used when listing devices")
	paginate := lflag.Bool("lamp-paginate", false, "Request every page of the device list instead of only the first")

	lflag.Do(func() {
		c.client = common.HTTPClient(*timeout)
		c.baseURL = *baseURL
		c.SetCredentials(*username, *password)
		c.SetPaging(*pageSize, *paginate)
	})

	return c
}
