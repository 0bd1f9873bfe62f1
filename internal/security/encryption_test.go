package security

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestHybridEncryptDecrypt(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}

	plaintext := []byte("marketplace settlement payload")
	env, err := Encrypt(&key.PublicKey, plaintext)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	if bytes.Contains(env.Data, plaintext) {
		t.Fatalf("密文不应包含明文")
	}

	recovered, err := Decrypt(key, env)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("解密结果不一致: %s", recovered)
	}

	// 他人的私钥无法解开信封。
	other, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	if _, err := Decrypt(other, env); err == nil {
		t.Fatalf("错误私钥应解密失败")
	}
}

func TestDeriveKeyDeterministicWithSalt(t *testing.T) {
	key1, salt, err := DeriveKey("passphrase", nil)
	if err != nil {
		t.Fatalf("派生密钥失败: %v", err)
	}
	if len(key1) != 32 {
		t.Fatalf("派生密钥应为 32 字节，实际 %d", len(key1))
	}
	if len(salt) != 16 {
		t.Fatalf("盐应为 16 字节，实际 %d", len(salt))
	}

	key2, _, err := DeriveKey("passphrase", salt)
	if err != nil {
		t.Fatalf("派生密钥失败: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Fatalf("相同口令与盐应派生相同密钥")
	}

	key3, _, err := DeriveKey("different", salt)
	if err != nil {
		t.Fatalf("派生密钥失败: %v", err)
	}
	if bytes.Equal(key1, key3) {
		t.Fatalf("不同口令不应派生相同密钥")
	}

	if _, _, err := DeriveKey("", nil); err == nil {
		t.Fatalf("空口令应报错")
	}
}

func TestSymmetricEncryptDecrypt(t *testing.T) {
	key, _, err := DeriveKey("passphrase", nil)
	if err != nil {
		t.Fatalf("派生密钥失败: %v", err)
	}

	plaintext := []byte("stored agent state")
	ciphertext, err := SymmetricEncrypt(key, plaintext)
	if err != nil {
		t.Fatalf("对称加密失败: %v", err)
	}

	recovered, err := SymmetricDecrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("对称解密失败: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("解密结果不一致: %s", recovered)
	}

	// 篡改密文应解密失败。
	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := SymmetricDecrypt(key, ciphertext); err == nil {
		t.Fatalf("被篡改的密文应解密失败")
	}
}

func TestSecureChannelRoundTrip(t *testing.T) {
	alice, err := NewSecureChannel()
	if err != nil {
		t.Fatalf("创建信道失败: %v", err)
	}
	bob, err := NewSecureChannel()
	if err != nil {
		t.Fatalf("创建信道失败: %v", err)
	}

	alice.Establish(bob.PublicKey())
	bob.Establish(alice.PublicKey())
	if !alice.Ready() || !bob.Ready() {
		t.Fatalf("双方信道都应就绪")
	}

	payload := map[string]any{"service_type": "data_processing", "amount": 1.5}
	sealed, err := alice.Seal(payload)
	if err != nil {
		t.Fatalf("加密负载失败: %v", err)
	}

	opened, err := bob.Open(sealed)
	if err != nil {
		t.Fatalf("解密负载失败: %v", err)
	}
	if opened["service_type"] != "data_processing" {
		t.Fatalf("负载内容不一致: %v", opened)
	}
}

func TestSecureChannelFromIdentityKeys(t *testing.T) {
	aliceKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成身份密钥失败: %v", err)
	}
	bobKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成身份密钥失败: %v", err)
	}

	alice, err := ChannelFromECDSA(aliceKey)
	if err != nil {
		t.Fatalf("创建信道失败: %v", err)
	}
	bob, err := ChannelFromECDSA(bobKey)
	if err != nil {
		t.Fatalf("创建信道失败: %v", err)
	}
	if err := alice.EstablishWithECDSA(&bobKey.PublicKey); err != nil {
		t.Fatalf("建立信道失败: %v", err)
	}
	if err := bob.EstablishWithECDSA(&aliceKey.PublicKey); err != nil {
		t.Fatalf("建立信道失败: %v", err)
	}

	sealed, err := alice.Seal(map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("加密负载失败: %v", err)
	}
	opened, err := bob.Open(sealed)
	if err != nil {
		t.Fatalf("解密负载失败: %v", err)
	}
	if opened["hello"] != "world" {
		t.Fatalf("负载内容不一致: %v", opened)
	}
}

func TestSecureChannelRequiresEstablishment(t *testing.T) {
	channel, err := NewSecureChannel()
	if err != nil {
		t.Fatalf("创建信道失败: %v", err)
	}
	if _, err := channel.Seal(map[string]any{"x": 1}); err == nil {
		t.Fatalf("未建立的信道不应允许加密")
	}
}
