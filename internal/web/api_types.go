package web

// ConfigListResponse wraps every persisted config key for GET /config.
type ConfigListResponse struct {
	Config map[string]string `json:"config"`
}

// ConfigPutRequest is the body of PUT /config/{key}: a raw JSON-encoded
// scalar, carried as a string so the handler can hand it to sysconfig's
// validator unparsed.
type ConfigPutRequest struct {
	Value string `json:"value"`
}
