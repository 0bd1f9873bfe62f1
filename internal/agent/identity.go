package agent

import (
	"crypto/ecdsa"
	"strings"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity 为智能体提供 secp256k1 密钥身份。
// 地址采用以太坊风格的 keccak 哈希，便于后续在外部链上锚定。
type Identity struct {
	key *ecdsa.PrivateKey
}

// GenerateIdentity 随机生成一个新的密钥身份。
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "生成密钥失败")
	}
	return &Identity{key: key}, nil
}

// IdentityFromHex 从十六进制私钥恢复身份。
func IdentityFromHex(hexKey string) (*Identity, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}
	return &Identity{key: key}, nil
}

// Address 返回身份对应的地址。
func (i *Identity) Address() string {
	if i == nil || i.key == nil {
		return ""
	}
	return crypto.PubkeyToAddress(i.key.PublicKey).Hex()
}

// PublicKeyHex 返回压缩公钥的十六进制表示。
func (i *Identity) PublicKeyHex() string {
	if i == nil || i.key == nil {
		return ""
	}
	return hexutil.Encode(crypto.CompressPubkey(&i.key.PublicKey))
}

// ExportHex 导出私钥的十六进制表示。
func (i *Identity) ExportHex() string {
	if i == nil || i.key == nil {
		return ""
	}
	return hexutil.Encode(crypto.FromECDSA(i.key))
}

// ECDSA 返回底层私钥，供加密通道使用。
func (i *Identity) ECDSA() *ecdsa.PrivateKey {
	if i == nil {
		return nil
	}
	return i.key
}

// Sign 对负载做 keccak 摘要后签名，返回带恢复位的签名。
func (i *Identity) Sign(payload []byte) (string, error) {
	if i == nil || i.key == nil {
		return "", xerrors.New(xerrors.CodeEncryptionFailure, "身份未初始化")
	}
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, i.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "签名失败")
	}
	return hexutil.Encode(sig), nil
}

// VerifySignature 校验签名是否出自指定地址。
func VerifySignature(address string, payload []byte, sigHex string) bool {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	digest := crypto.Keccak256(payload)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return recovered == common.HexToAddress(address)
}
