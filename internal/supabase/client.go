package supabase

import (
	"github.com/supabase-community/supabase-go"
	"photo-restore-backend/internal/config"
)

type Client struct {
	Supabase *supabase.Client
	Config   *config.Config
}

// NewClient connects with the service role key: the backend writes events on
// behalf of every customer.
func NewClient(cfg *config.Config) (*Client, error) {
	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		Supabase: client,
		Config:   cfg,
	}, nil
}

func (c *Client) Realtime() *RealtimeClient {
	return NewRealtimeClient(c.Supabase)
}

func (c *Client) Storage() *StorageClient {
	return NewStorageClient(c.Config.SupabaseURL, c.Config.SupabaseServiceRoleKey, c.Config.SupabaseStorageBucket)
}
