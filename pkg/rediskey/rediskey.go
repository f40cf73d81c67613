package rediskey

import "fmt"

// Deal keys (global convention across services)
const (
	DealStatusPrefix = "deal:status"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildDealStatusKey returns "deal:status:{dealID}"
func BuildDealStatusKey(dealID string) string {
	return NamespaceKey(DealStatusPrefix, dealID)
}
