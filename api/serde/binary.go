package serde

// BinarySerde encodes and decodes wire values. The engine, workers and
// command clients must agree on one implementation per deployment.
type BinarySerde interface {
	SerializeBinary(value any) ([]byte, error)
	DeserializeBinary(data []byte, valuePtr any) error
}
