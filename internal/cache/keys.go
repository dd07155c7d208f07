package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func CallStatusKey(callID uuid.UUID) string {
	return fmt.Sprintf("call:status:%s", callID)
}

func CallResultKey(callID uuid.UUID) string {
	return fmt.Sprintf("call:result:%s", callID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func AnalysisRateKey(ownerID uuid.UUID) string {
	return fmt.Sprintf("analysisrate:%s", ownerID)
}
