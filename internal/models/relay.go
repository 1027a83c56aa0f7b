package models

// RelayConfig is the remote command channel's connection parameters.
type RelayConfig struct {
	Broker      string `json:"uri"`
	CmdTopic    string `json:"cmd_topic"`
	StatusTopic string `json:"status_topic"`
}

type RelayStatus struct {
	RelayConfig
	Connected bool   `json:"connected"`
	Transport string `json:"transport,omitempty"`
	LastError string `json:"last_error,omitempty"`
}
