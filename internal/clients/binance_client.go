package clients

import (
	"github.com/adshao/go-binance/v2"
)

// NewBinanceClient builds a signed spot client. baseURL overrides the API host when set.
func NewBinanceClient(apiKey, apiSecret, baseURL string) *binance.Client {
	client := binance.NewClient(apiKey, apiSecret)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return client
}
