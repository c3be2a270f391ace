// Package codec is the JSON codec for everything that crosses the bus.
package codec

import jsoniter "github.com/json-iterator/go"

var (
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	Marshal   = JSON.Marshal
	Unmarshal = JSON.Unmarshal
)
