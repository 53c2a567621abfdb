package clients

import (
	"github.com/hirokisan/bybit/v2"
)

// NewBybitClient builds an authenticated V5 client. baseURL overrides the API host when set.
func NewBybitClient(apiKey, apiSecret, baseURL string) *bybit.Client {
	client := bybit.NewClient().WithAuth(apiKey, apiSecret)
	if baseURL != "" {
		client = client.WithBaseURL(baseURL)
	}
	return client
}
