package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sandeepkv93/sso-session-core/internal/domain"
	"github.com/sandeepkv93/sso-session-core/internal/observability"
)

// GormCredentialRepository persists credentials in a relational table.
type GormCredentialRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormCredentialRepository(db *gorm.DB) *GormCredentialRepository {
	return &GormCredentialRepository{db: db, now: time.Now}
}

func (r *GormCredentialRepository) Store(ctx context.Context, key string, cred domain.Credential) error {
	rec := domain.CredentialRecord{
		Key:           key,
		UserID:        cred.UserID,
		Type:          cred.Type,
		AccessToken:   cred.AccessToken,
		RefreshToken:  cred.RefreshToken,
		ExpiresAt:     utcPtr(cred.ExpiresAt),
		DirectoryType: cred.DirectoryType,
		Metadata:      cred.Metadata,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "credential_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "type", "access_token", "refresh_token", "expires_at", "directory_type", "metadata", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_sql", "store", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "credential_sql", "store", "success")
	return nil
}

func (r *GormCredentialRepository) Get(ctx context.Context, key string) (*domain.Credential, error) {
	var rec domain.CredentialRecord
	err := r.live(ctx).Where("credential_key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "credential_sql", "get", "not_found")
			return nil, domain.ErrCredentialNotFound
		}
		observability.RecordRepositoryOperation(ctx, "credential_sql", "get", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "credential_sql", "get", "success")
	return &domain.Credential{
		UserID:        rec.UserID,
		Type:          rec.Type,
		AccessToken:   rec.AccessToken,
		RefreshToken:  rec.RefreshToken,
		ExpiresAt:     rec.ExpiresAt,
		DirectoryType: rec.DirectoryType,
		Metadata:      rec.Metadata,
	}, nil
}

func (r *GormCredentialRepository) Remove(ctx context.Context, key string) (bool, error) {
	res := r.db.WithContext(ctx).Where("credential_key = ?", key).Delete(&domain.CredentialRecord{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "credential_sql", "remove", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "credential_sql", "remove", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormCredentialRepository) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.live(ctx).
		Model(&domain.CredentialRecord{}).
		Where("credential_key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("credential_key ASC").
		Pluck("credential_key", &keys).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "credential_sql", "list", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "credential_sql", "list", "success")
	return keys, nil
}

func (r *GormCredentialRepository) Expire(ctx context.Context, key string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&domain.CredentialRecord{}).
		Where("credential_key = ?", key).
		Update("expires_at", at.UTC())
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "credential_sql", "expire", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "credential_sql", "expire", "success")
	return res.RowsAffected > 0, nil
}

// PurgeExpired deletes rows whose expiry has passed.
func (r *GormCredentialRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", r.now().UTC()).
		Delete(&domain.CredentialRecord{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "credential_sql", "purge_expired", "error")
		return 0, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "credential_sql", "purge_expired", "success")
	return res.RowsAffected, nil
}

func (r *GormCredentialRepository) live(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Where("(expires_at IS NULL OR expires_at > ?)", r.now().UTC())
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}
