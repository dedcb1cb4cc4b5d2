package models

// ICEServer is a STUN/TURN server entry handed to clients
type ICEServer struct {
	URLs       []string `json:"urls" msgpack:"urls"`
	Username   string   `json:"username,omitempty" msgpack:"username,omitempty"`
	Credential string   `json:"credential,omitempty" msgpack:"credential,omitempty"`
}
