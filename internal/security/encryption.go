package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/pbkdf2"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

const (
	sessionKeyBytes  = 32
	saltBytes        = 16
	pbkdf2Iterations = 100000
)

// Envelope 是混合加密的载荷：会话密钥由 ECIES 封装，
// 数据本体用 AES-256-GCM 加密。
type Envelope struct {
	Key   []byte `json:"key"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// GenerateEncryptionKey 生成用于加密通道的 secp256k1 密钥。
func GenerateEncryptionKey() (*ecies.PrivateKey, error) {
	key, err := ecies.GenerateKey(rand.Reader, crypto.S256(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "生成加密密钥失败")
	}
	return key, nil
}

// Encrypt 用接收方公钥做混合加密。
func Encrypt(pub *ecies.PublicKey, plaintext []byte) (Envelope, error) {
	if pub == nil {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "接收方公钥不能为空")
	}
	sessionKey := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(sessionKey); err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "生成会话密钥失败")
	}
	nonce, data, err := gcmSeal(sessionKey, plaintext)
	if err != nil {
		return Envelope{}, err
	}
	wrappedKey, err := ecies.Encrypt(rand.Reader, pub, sessionKey, nil, nil)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "封装会话密钥失败")
	}
	return Envelope{Key: wrappedKey, Nonce: nonce, Data: data}, nil
}

// Decrypt 用本方私钥解开混合加密载荷。
func Decrypt(priv *ecies.PrivateKey, env Envelope) ([]byte, error) {
	if priv == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	sessionKey, err := priv.Decrypt(env.Key, nil, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "解开会话密钥失败")
	}
	return gcmOpen(sessionKey, env.Nonce, env.Data)
}

// SymmetricEncrypt 用对称密钥加密数据，随机数前置在密文中。
func SymmetricEncrypt(key, plaintext []byte) ([]byte, error) {
	nonce, data, err := gcmSeal(key, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(data))
	out = append(out, nonce...)
	out = append(out, data...)
	return out, nil
}

// SymmetricDecrypt 解密 SymmetricEncrypt 的输出。
func SymmetricDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "初始化对称密钥失败")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "初始化 GCM 失败")
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, xerrors.New(xerrors.CodeEncryptionFailure, "密文长度非法")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "解密失败")
	}
	return plaintext, nil
}

// DeriveKey 从口令派生 32 字节对称密钥。salt 为空时随机生成并一并返回。
func DeriveKey(password string, salt []byte) ([]byte, []byte, error) {
	if password == "" {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "口令不能为空")
	}
	if len(salt) == 0 {
		salt = make([]byte, saltBytes)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "生成盐失败")
		}
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, sessionKeyBytes, sha256.New)
	return key, salt, nil
}

func gcmSeal(key, plaintext []byte) (nonce []byte, data []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "初始化对称密钥失败")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "初始化 GCM 失败")
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "生成随机数失败")
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func gcmOpen(key, nonce, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "初始化对称密钥失败")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "初始化 GCM 失败")
	}
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "解密失败")
	}
	return plaintext, nil
}

// SecureChannel 在两个密钥身份之间建立加密信道。
// 双方交换公钥后即可互相收发混合加密的载荷。
type SecureChannel struct {
	priv *ecies.PrivateKey
	peer *ecies.PublicKey
}

// NewSecureChannel 生成新的本端密钥并创建信道。
func NewSecureChannel() (*SecureChannel, error) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		return nil, err
	}
	return &SecureChannel{priv: key}, nil
}

// ChannelFromECDSA 复用既有 secp256k1 身份创建信道。
func ChannelFromECDSA(key *ecdsa.PrivateKey) (*SecureChannel, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "身份私钥不能为空")
	}
	return &SecureChannel{priv: ecies.ImportECDSA(key)}, nil
}

// PublicKey 返回本端公钥，交给对端调用 Establish。
func (c *SecureChannel) PublicKey() *ecies.PublicKey {
	if c == nil || c.priv == nil {
		return nil
	}
	return &c.priv.PublicKey
}

// Establish 记录对端公钥，此后信道进入可用状态。
func (c *SecureChannel) Establish(peer *ecies.PublicKey) {
	c.peer = peer
}

// EstablishWithECDSA 以 secp256k1 公钥建立信道。
func (c *SecureChannel) EstablishWithECDSA(pub *ecdsa.PublicKey) error {
	if pub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "对端公钥不能为空")
	}
	c.peer = ecies.ImportECDSAPublic(pub)
	return nil
}

// Ready 判断信道是否已建立。
func (c *SecureChannel) Ready() bool {
	return c != nil && c.priv != nil && c.peer != nil
}

// Seal 加密负载发给对端。
func (c *SecureChannel) Seal(data map[string]any) ([]byte, error) {
	if !c.Ready() {
		return nil, xerrors.New(xerrors.CodeEncryptionFailure, "加密信道尚未建立")
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "序列化负载失败")
	}
	env, err := Encrypt(c.peer, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "序列化信封失败")
	}
	return raw, nil
}

// Open 解密对端发来的负载。
func (c *SecureChannel) Open(raw []byte) (map[string]any, error) {
	if c == nil || c.priv == nil {
		return nil, xerrors.New(xerrors.CodeEncryptionFailure, "加密信道尚未建立")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "解析信封失败")
	}
	plaintext, err := Decrypt(c.priv, env)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEncryptionFailure, err, "解析负载失败")
	}
	return data, nil
}
