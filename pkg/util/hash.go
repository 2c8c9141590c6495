package util

import (
	"crypto/sha256"
	"maps"
	"slices"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/encoding/protowire"
)

// ConfigHash is a SHA256 over the file names and bodies of cm, in name order. Content types
// do not contribute. Names and bodies are length-prefixed so that moving bytes between a
// name and its body changes the hash. An empty map hashes to an empty slice.
func ConfigHash(cm *protobufs.AgentConfigMap) []byte {
	files := cm.GetConfigMap()
	if len(files) == 0 {
		return []byte{}
	}
	h := sha256.New()
	var buf []byte
	for _, name := range slices.Sorted(maps.Keys(files)) {
		file := files[name]
		if file == nil {
			continue
		}
		buf = protowire.AppendString(buf[:0], name)
		buf = protowire.AppendBytes(buf, file.GetBody())
		h.Write(buf)
	}
	return h.Sum(nil)
}
