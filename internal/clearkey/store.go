// Package clearkey は組み込みのClearKey方式DRMプラグインを実装する。
// ライセンスとセキュアストップの永続化はプラグイン内部で完結する。
package clearkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"drm-host-service/internal/domain"
)

// KeyWrapper はライセンス鍵の保存時暗号化を提供する。
// Cloud KMSクライアントまたはローカルラッパーが実装する。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// LicenseModel はgorm用の保存済みライセンスのモデル定義。
type LicenseModel struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	KeySetID  string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_key_set_id"`
	Payload   []byte    `gorm:"type:blob;not null"`
	CreatedAt time.Time `gorm:"precision:6;not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"precision:6;not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (LicenseModel) TableName() string {
	return "clearkey_licenses"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *LicenseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// SecureStopModel はgorm用のセキュアストップのモデル定義。
type SecureStopModel struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	SessionID []byte    `gorm:"type:blob;not null"`
	Data      []byte    `gorm:"type:blob;not null"`
	CreatedAt time.Time `gorm:"precision:6;not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SecureStopModel) TableName() string {
	return "clearkey_secure_stops"
}

// Migrate はプラグインが所有するテーブルを作成する。
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&LicenseModel{}, &SecureStopModel{})
}

// Store はライセンスとセキュアストップの永続化を提供する。
// ライセンス鍵はラッパーで暗号化してから保存する。
type Store struct {
	db      *gorm.DB
	wrapper KeyWrapper
}

// NewStore は新しいStoreを生成する。
func NewStore(db *gorm.DB, wrapper KeyWrapper) *Store {
	return &Store{db: db, wrapper: wrapper}
}

// licensePayload はラップ前のライセンス本体。鍵はbase64で保持し、
// 鍵IDはそのままJSONオブジェクトのキー文字列となる。
type licensePayload struct {
	Keys map[string][]byte `json:"keys"`
}

// SaveLicense は鍵セットを暗号化して保存する。
func (s *Store) SaveLicense(ctx context.Context, keySetID string, keys map[string][]byte) error {
	raw, err := json.Marshal(licensePayload{Keys: keys})
	if err != nil {
		return fmt.Errorf("encoding license: %w", err)
	}
	wrapped, err := s.wrapper.Encrypt(ctx, raw)
	if err != nil {
		return fmt.Errorf("wrapping license keys: %w", err)
	}

	model := &LicenseModel{KeySetID: keySetID, Payload: wrapped}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to save license",
			"operation", "save_license",
			"key_set_id", keySetID,
			"error", err,
		)
		return err
	}
	return nil
}

// LoadLicense は保存済み鍵セットを復号して返す。
func (s *Store) LoadLicense(ctx context.Context, keySetID string) (map[string][]byte, error) {
	var model LicenseModel
	err := s.db.WithContext(ctx).
		Where("key_set_id = ?", keySetID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrKeySetNotFound
		}
		slog.ErrorContext(ctx, "failed to load license",
			"operation", "load_license",
			"key_set_id", keySetID,
			"error", err,
		)
		return nil, err
	}

	raw, err := s.wrapper.Decrypt(ctx, model.Payload)
	if err != nil {
		return nil, fmt.Errorf("unwrapping license keys: %w", err)
	}
	var payload licensePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding license: %w", err)
	}
	return payload.Keys, nil
}

// DeleteLicense は保存済み鍵セットを削除する。
func (s *Store) DeleteLicense(ctx context.Context, keySetID string) error {
	res := s.db.WithContext(ctx).
		Where("key_set_id = ?", keySetID).
		Delete(&LicenseModel{})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to delete license",
			"operation", "delete_license",
			"key_set_id", keySetID,
			"error", res.Error,
		)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrKeySetNotFound
	}
	return nil
}

// AddSecureStop はセキュアストップを保存する。
func (s *Store) AddSecureStop(ctx context.Context, id string, sessionID, data []byte) error {
	model := &SecureStopModel{ID: id, SessionID: sessionID, Data: data}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to add secure stop",
			"operation", "add_secure_stop",
			"secure_stop_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// ListSecureStops は全セキュアストップを作成順で返す。
func (s *Store) ListSecureStops(ctx context.Context) ([]*SecureStopModel, error) {
	var models []*SecureStopModel
	err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list secure stops",
			"operation", "list_secure_stops",
			"error", err,
		)
		return nil, err
	}
	return models, nil
}

// GetSecureStop は指定IDのセキュアストップを返す。
func (s *Store) GetSecureStop(ctx context.Context, id string) (*SecureStopModel, error) {
	var model SecureStopModel
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		slog.ErrorContext(ctx, "failed to get secure stop",
			"operation", "get_secure_stop",
			"secure_stop_id", id,
			"error", err,
		)
		return nil, err
	}
	return &model, nil
}

// DeleteSecureStops は指定IDのセキュアストップを削除する。
func (s *Store) DeleteSecureStops(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&SecureStopModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete secure stops",
			"operation", "delete_secure_stops",
			"error", err,
		)
	}
	return err
}

// DeleteAllSecureStops は全セキュアストップを削除する。
func (s *Store) DeleteAllSecureStops(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&SecureStopModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete all secure stops",
			"operation", "delete_all_secure_stops",
			"error", err,
		)
	}
	return err
}
