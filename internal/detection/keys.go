package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// AccessKey is one IAM access key of a user.
type AccessKey struct {
	ID        string
	Active    bool
	CreatedAt time.Time
}

// KeyCacheConfig sizes the access key cache.
type KeyCacheConfig struct {
	Size int           `yaml:"size" validate:"min=1"`
	TTL  time.Duration `yaml:"ttl"`
}

// DefaultKeyCacheConfig returns the default cache settings.
func DefaultKeyCacheConfig() KeyCacheConfig {
	return KeyCacheConfig{Size: 4096, TTL: 15 * time.Minute}
}

// IAMKeyInventory lists access keys through the IAM API and caches them
// per user.
type IAMKeyInventory struct {
	client iam.ListAccessKeysAPIClient
	cache  *expirable.LRU[string, []AccessKey]
}

// NewIAMKeyInventory wraps an IAM client.
func NewIAMKeyInventory(client iam.ListAccessKeysAPIClient, cfg KeyCacheConfig) *IAMKeyInventory {
	return &IAMKeyInventory{
		client: client,
		cache:  expirable.NewLRU[string, []AccessKey](cfg.Size, nil, cfg.TTL),
	}
}

// AccessKeys returns every key of user, served from cache when fresh.
func (k *IAMKeyInventory) AccessKeys(ctx context.Context, user string) ([]AccessKey, error) {
	if keys, ok := k.cache.Get(user); ok {
		return keys, nil
	}

	var keys []AccessKey
	pager := iam.NewListAccessKeysPaginator(k.client, &iam.ListAccessKeysInput{UserName: aws.String(user)})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list access keys for %s: %w", user, err)
		}
		for _, md := range page.AccessKeyMetadata {
			keys = append(keys, AccessKey{
				ID:        aws.ToString(md.AccessKeyId),
				Active:    md.Status == types.StatusTypeActive,
				CreatedAt: aws.ToTime(md.CreateDate),
			})
		}
	}
	k.cache.Add(user, keys)
	return keys, nil
}

// Invalidate drops the cached keys of user, e.g. after a key is disabled.
func (k *IAMKeyInventory) Invalidate(user string) {
	k.cache.Remove(user)
}
