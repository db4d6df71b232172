package platform

// errorMessages maps platform result codes to a human-readable summary,
// used only for logging/audit text — callers should branch on the numeric
// code, never on this string.
var errorMessages = map[int]string{
	0:      "success",
	-101:   "account not logged in",
	-111:   "csrf check failed",
	-352:   "risk control intervention",
	-412:   "request intercepted by rate limiting",
	-662:   "duplicate request",
	-799:   "human verification required",
	862:    "operation too frequent",
	101:    "operation too frequent",
	12008:  "target already reported",
	12019:  "operation too frequent, try again later",
	12022:  "target already deleted",
	21046:  "message sending rate limited",
	-999:   "max retries exceeded",
}

// ErrorMessage returns a known message for a code, or a generic fallback.
func ErrorMessage(code int) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "unknown platform error"
}
