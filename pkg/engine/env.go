package engine

import (
	"maps"

	"github.com/polisai/polis-pipeline/pkg/storage"
)

// Variables set for every command. They tell a payload where it sits and
// where its data lives in the data store.
const (
	EnvPipelineID         = "POLIS_PIPELINE_ID"
	EnvNodePath           = "POLIS_NODE_PATH"
	EnvDataPipelinePrefix = "POLIS_DATA_PIPELINE_PREFIX"
	EnvDataUserPrefix     = "POLIS_DATA_USER_PREFIX"
	// EnvDataURL is the base URL of the data API; set only while a control
	// server runs. Keys live under $POLIS_DATA_URL/pipeline/ and
	// $POLIS_DATA_URL/user/.
	EnvDataURL = "POLIS_DATA_URL"
)

// commandEnv layers the engine's variables over the node's resolved env.
// The engine's variables win.
func (e *Engine) commandEnv(path string, env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+5)
	maps.Copy(out, env)
	out[EnvPipelineID] = e.id
	out[EnvNodePath] = path
	out[EnvDataPipelinePrefix] = storage.PipelinePrefix(e.id)
	out[EnvDataUserPrefix] = storage.UserPrefix(e.user)
	if e.dataURL != "" {
		out[EnvDataURL] = e.dataURL
	}
	return out
}
