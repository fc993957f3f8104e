package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
)

// 登录断言相关错误
var (
	ErrInvalidAssertion  = errors.New("无效的登录断言")
	ErrAssertionExpired  = errors.New("登录断言已过期")
	ErrNoVerificationKey = errors.New("未配置断言校验密钥")
)

// PrincipalVerifier 校验认证服务给出的登录断言，返回认证结果
// 凭据校验本身由认证服务完成，这里只确认断言可信。
type PrincipalVerifier interface {
	Verify(ctx context.Context, assertion string) (*ticket.Authentication, error)
}

// AssertionClaims 登录断言声明
type AssertionClaims struct {
	jwt.RegisteredClaims
	Attributes map[string][]string `json:"attrs,omitempty"`
	AuthTime   *jwt.NumericDate    `json:"auth_time,omitempty"`
}

// JWTPrincipalVerifierConfig 断言校验配置，HMACSecret 与 PublicKey 至少一个
type JWTPrincipalVerifierConfig struct {
	Issuer     string
	HMACSecret []byte
	PublicKey  *rsa.PublicKey
	Leeway     time.Duration
}

// JWTPrincipalVerifier 基于 JWT 的断言校验
type JWTPrincipalVerifier struct {
	issuer     string
	hmacSecret []byte
	publicKey  *rsa.PublicKey
	parser     *jwt.Parser
}

// NewJWTPrincipalVerifier 创建断言校验器
func NewJWTPrincipalVerifier(cfg *JWTPrincipalVerifierConfig) (*JWTPrincipalVerifier, error) {
	if len(cfg.HMACSecret) == 0 && cfg.PublicKey == nil {
		return nil, ErrNoVerificationKey
	}

	var methods []string
	if len(cfg.HMACSecret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if cfg.PublicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &JWTPrincipalVerifier{
		issuer:     cfg.Issuer,
		hmacSecret: cfg.HMACSecret,
		publicKey:  cfg.PublicKey,
		parser:     jwt.NewParser(opts...),
	}, nil
}

// LoadRSAPublicKey 读取 PEM 格式公钥
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取公钥失败: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("解析公钥失败: %w", err)
	}
	return key, nil
}

// Verify 校验断言
func (v *JWTPrincipalVerifier) Verify(_ context.Context, assertion string) (*ticket.Authentication, error) {
	claims := &AssertionClaims{}
	_, err := v.parser.ParseWithClaims(assertion, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return v.hmacSecret, nil
		case *jwt.SigningMethodRSA:
			return v.publicKey, nil
		}
		return nil, fmt.Errorf("不支持的签名算法: %s", token.Method.Alg())
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrAssertionExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: 缺少 sub", ErrInvalidAssertion)
	}

	auth := &ticket.Authentication{
		Principal: ticket.Principal{
			ID:         claims.Subject,
			Attributes: claims.Attributes,
		},
	}
	switch {
	case claims.AuthTime != nil:
		auth.AuthenticatedAt = claims.AuthTime.Time
	case claims.IssuedAt != nil:
		auth.AuthenticatedAt = claims.IssuedAt.Time
	}
	return auth, nil
}
