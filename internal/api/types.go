package api

// OpRequest is the body of POST /v1/ops/{name}.
type OpRequest struct {
	Shape     []int     `json:"shape"`
	BlockSize int       `json:"block_size"`
	Data      []float32 `json:"data,omitempty"`
	Tune      bool      `json:"tune,omitempty"`
}

type OpResponse struct {
	ID        string    `json:"id"`
	Object    string    `json:"object"`
	CreatedAt int64     `json:"created_at"`
	Op        string    `json:"op"`
	BlockSize int       `json:"block_size"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	Stats     OpStats   `json:"stats"`
}

type OpStats struct {
	DurationUS float64 `json:"duration_us"`
	Builds     int     `json:"builds"`
	Binds      int     `json:"binds"`
	Tuned      bool    `json:"tuned"`
}

type DeviceResponse struct {
	Object               string    `json:"object"`
	Identity             string    `json:"identity"`
	Name                 string    `json:"name"`
	Vendor               string    `json:"vendor"`
	Backend              string    `json:"backend"`
	Version              string    `json:"version"`
	ComputeUnits         uint32    `json:"compute_units"`
	MaxWorkGroupSize     uint32    `json:"max_work_group_size"`
	MaxWorkItemSizes     [3]uint32 `json:"max_work_item_sizes"`
	GlobalMemCacheSize   uint64    `json:"global_mem_cache_size"`
	MaxImageWidth        int       `json:"max_image_width"`
	MaxImageHeight       int       `json:"max_image_height"`
	NonUniformWorkGroups bool      `json:"non_uniform_work_groups"`
	Ops                  []string  `json:"ops"`
	Server               string    `json:"server"`
}

type TuningEntry struct {
	Signature string    `json:"signature"`
	Local     [3]uint32 `json:"local"`
	BlockZ    uint32    `json:"block_z,omitempty"`
}

type TuningResponse struct {
	Object string        `json:"object"`
	Data   []TuningEntry `json:"data"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
