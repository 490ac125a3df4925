package device

// GATT characteristics of the LYWSD03MMC
const (
	UUIDDeviceTime        = "ebe0ccb7-7a0a-4b0c-8a1a-6ff2997da3a6"
	UUIDHistoryIndex      = "ebe0ccb9-7a0a-4b0c-8a1a-6ff2997da3a6"
	UUIDHistoryCursor     = "ebe0ccba-7a0a-4b0c-8a1a-6ff2997da3a6"
	UUIDLastHistoryEntry  = "ebe0ccbb-7a0a-4b0c-8a1a-6ff2997da3a6"
	UUIDHistory           = "ebe0ccbc-7a0a-4b0c-8a1a-6ff2997da3a6"
	UUIDMeasurement       = "ebe0ccc1-7a0a-4b0c-8a1a-6ff2997da3a6"
	UUIDComfortLevels     = "ebe0ccd7-7a0a-4b0c-8a1a-6ff2997da3a6"
	UUIDCustomMeasurement = "8edfffef-3d1b-9c37-4623-ad7265f14076"
	UUIDCustomHistoryIdx  = "8edffff1-3d1b-9c37-4623-ad7265f14076"
)
