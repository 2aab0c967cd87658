package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer 抽象交易所要求的请求签名；具体算法由各实现决定，
// 核心代码只依赖该接口。
type Signer interface {
	// Address 返回签名者身份（子账户地址）
	Address() string
	// Sign 对载荷签名并返回十六进制签名串
	Sign(payload []byte) (string, error)
}

// HMACSigner 基于共享密钥的HMAC-SHA256签名实现
type HMACSigner struct {
	address string
	key     []byte
}

// NewHMACSigner 创建HMAC签名器
func NewHMACSigner(address, secret string) (*HMACSigner, error) {
	if address == "" {
		return nil, fmt.Errorf("signer address is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("signer secret is required")
	}
	return &HMACSigner{
		address: address,
		key:     []byte(secret),
	}, nil
}

func (s *HMACSigner) Address() string {
	return s.address
}

func (s *HMACSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	if _, err := mac.Write(payload); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}
