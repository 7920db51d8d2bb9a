package data

import (
	"context"
	"fmt"
	"time"

	"SlotLane/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// PartitionRow maps the partitions table: one row per target country/site.
type PartitionRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	PartKey   string    `gorm:"column:part_key;size:32;uniqueIndex;not null"`
	Label     string    `gorm:"size:128"`
	Enabled   bool      `gorm:"default:true;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for PartitionRow.
func (PartitionRow) TableName() string { return "partitions" }

// CredentialRow maps the credentials table: portal accounts available for
// rotation.
type CredentialRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Username  string    `gorm:"size:128;uniqueIndex;not null"`
	Secret    string    `gorm:"size:256;not null"`
	Label     string    `gorm:"size:128"`
	Enabled   bool      `gorm:"default:true;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for CredentialRow.
func (CredentialRow) TableName() string { return "credentials" }

// ProxyRow maps the proxies table: egress profiles so sessions are not
// correlated by source address.
type ProxyRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	URL       string    `gorm:"size:256;uniqueIndex;not null"`
	Label     string    `gorm:"size:128"`
	Enabled   bool      `gorm:"default:true;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for ProxyRow.
func (ProxyRow) TableName() string { return "proxies" }

// SourceStore implements biz.SourceRepo over the database. All reads are
// scoped to enabled rows; the core never writes here.
type SourceStore struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewSourceStore creates the source-of-truth repository.
func NewSourceStore(d *Data, logger log.Logger) *SourceStore {
	return &SourceStore{
		db:     d.db,
		logger: log.NewHelper(logger),
	}
}

// ListActivePartitions implements biz.SourceRepo.
func (s *SourceStore) ListActivePartitions(ctx context.Context) ([]biz.Partition, error) {
	var rows []PartitionRow
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("part_key").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	partitions := make([]biz.Partition, 0, len(rows))
	for _, row := range rows {
		partitions = append(partitions, biz.Partition{
			Key:   row.PartKey,
			Label: row.Label,
		})
	}
	return partitions, nil
}

// ListCredentials implements biz.SourceRepo.
func (s *SourceStore) ListCredentials(ctx context.Context) ([]biz.Resource, error) {
	var rows []CredentialRow
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	resources := make([]biz.Resource, 0, len(rows))
	for _, row := range rows {
		resources = append(resources, credentialResource(row))
	}
	return resources, nil
}

// ListProxies implements biz.SourceRepo.
func (s *SourceStore) ListProxies(ctx context.Context) ([]biz.Resource, error) {
	var rows []ProxyRow
	if err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}

	resources := make([]biz.Resource, 0, len(rows))
	for _, row := range rows {
		resources = append(resources, proxyResource(row))
	}
	return resources, nil
}

// credentialResource converts a credentials row to the pool resource shape.
func credentialResource(row CredentialRow) biz.Resource {
	return biz.Resource{
		ID:    fmt.Sprintf("cred-%d", row.ID),
		Kind:  "credential",
		Label: row.Label,
		Attrs: map[string]string{
			"username": row.Username,
			"secret":   row.Secret,
		},
	}
}

// proxyResource converts a proxies row to the pool resource shape.
func proxyResource(row ProxyRow) biz.Resource {
	return biz.Resource{
		ID:    fmt.Sprintf("proxy-%d", row.ID),
		Kind:  "proxy",
		Label: row.Label,
		Attrs: map[string]string{
			"url": row.URL,
		},
	}
}
