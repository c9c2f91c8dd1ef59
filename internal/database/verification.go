package database

import (
	"context"

	"gorm.io/gorm"

	"edgevideo.ai/edge-wallet/pkg/errors"
)

// WalletVerification is the audit row of one accepted wallet ownership proof.
type WalletVerification struct {
	ID         int64  `gorm:"primaryKey"`
	Address    string `gorm:"type:varchar(42);index"`
	Nonce      string `gorm:"type:varchar(100);uniqueIndex"`
	Subject    string `gorm:"type:varchar(200);index"`
	ChainID    uint64 `gorm:"type:int8"`
	Message    string `gorm:"type:text"`
	Signature  string `gorm:"type:varchar(140)"`
	VerifiedAt int64  `gorm:"type:int8"`
}

func (in WalletVerification) Create(ctx context.Context, db *gorm.DB) error {
	err := db.WithContext(ctx).Create(&in).Error
	if IsDuplicateKeyErr(err) {
		return errors.Wrap(err, "nonce already used")
	}
	return errors.Wrap(err, "create wallet verification")
}

// SelectByAddress returns the newest first.
func (WalletVerification) SelectByAddress(ctx context.Context, db *gorm.DB, address string) ([]*WalletVerification, error) {
	var entities []*WalletVerification
	err := db.WithContext(ctx).Where("address = ?", address).Order("verified_at DESC, id DESC").Find(&entities).Error
	if err != nil {
		return nil, errors.Wrap(err, "query wallet verifications")
	}
	return entities, nil
}

// SelectLatest returns nil when the address never verified.
func (WalletVerification) SelectLatest(ctx context.Context, db *gorm.DB, address string) (*WalletVerification, error) {
	var entity WalletVerification
	err := db.WithContext(ctx).Where("address = ?", address).Order("verified_at DESC, id DESC").First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query latest wallet verification")
	}
	return &entity, nil
}
