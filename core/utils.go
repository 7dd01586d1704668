package core

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/refractionPOINT/go-limacharlie/limacharlie"
)

// Extension configs may reference credentials indirectly as
// "hive://secret/<name>" instead of inlining them. Resolution goes
// through the tenant's secret store with a small process cache.

const secretScheme = "hive://secret/"

var (
	secretCache = make(map[string]string)
	cacheMutex  sync.RWMutex
)

// UseSecretValue resolves the key (following hive indirection if
// present) and calls fn with the real value. On failure with a
// cached secret, the cache entry is dropped and fetched fresh once,
// which covers rotated secrets.
func UseSecretValue(key string, org *limacharlie.Organization, fn func(val string) error) error {
	if !strings.Contains(key, secretScheme) {
		return fn(key)
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var secretValue string
		var secretName string
		secretValue, secretName, err = GetSecret(key, org)
		if err != nil {
			return err
		}

		if err = fn(secretValue); err == nil {
			return nil
		}

		// Drop the cached value so the retry refetches from Hive.
		deleteSecretCache(secretCacheKeyName(secretName, org.GetOID()))
	}
	return fmt.Errorf("secrets function failed for org %s: %w", org.GetOID(), err)
}

func secretCacheKeyName(name string, oid string) string {
	return fmt.Sprintf("%s:%s", oid, name)
}

func GetSecret(key string, org *limacharlie.Organization) (string, string, error) {
	if !strings.Contains(key, secretScheme) {
		return key, "", nil
	}
	secretName := path.Base(key)
	cacheKey := secretCacheKeyName(secretName, org.GetOID())

	if secretValue, ok := getSecretFromCache(cacheKey); ok {
		return secretValue, secretName, nil
	}

	secretValue, err := getSecretFromHive(secretName, org)
	if err != nil {
		return "", "", err
	}
	setSecretCache(cacheKey, secretValue)
	return secretValue, secretName, nil
}

func setSecretCache(cacheKey string, secretValue string) {
	cacheMutex.Lock()
	secretCache[cacheKey] = secretValue
	cacheMutex.Unlock()
}

func getSecretFromCache(cacheKey string) (string, bool) {
	cacheMutex.RLock()
	val, exists := secretCache[cacheKey]
	cacheMutex.RUnlock()
	return val, exists
}

func deleteSecretCache(cacheKey string) {
	cacheMutex.Lock()
	delete(secretCache, cacheKey)
	cacheMutex.Unlock()
}

func getSecretFromHive(recordName string, org *limacharlie.Organization) (string, error) {
	hc := limacharlie.NewHiveClient(org)
	data, err := hc.Get(limacharlie.HiveArgs{
		HiveName:     "secret",
		PartitionKey: org.GetOID(),
		Key:          recordName,
	})
	if err != nil {
		return "", err
	}
	value, ok := data.Data["secret"].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("secret not set or is not of type string")
	}
	return value, nil
}

// MaskSecrets replaces every occurrence of each secret in the text
// with a redacted marker.
func MaskSecrets(text string, secrets []string) string {
	maskedText := text
	for _, secret := range secrets {
		maskedText = strings.ReplaceAll(maskedText, secret, "**** REDACTED ***")
	}
	return maskedText
}

// MaskSecretsInSlice masks secrets in every string of the slice.
func MaskSecretsInSlice(texts []string, secrets []string) []string {
	maskedTexts := make([]string, len(texts))
	for i, text := range texts {
		maskedTexts[i] = MaskSecrets(text, secrets)
	}
	return maskedTexts
}
