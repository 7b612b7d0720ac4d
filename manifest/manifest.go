// Package manifest loads process manifests and maps them to spawn
// arguments. YAML is the host format; decoding is strict so typos
// fail loudly instead of spawning a half-configured process.
package manifest

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/najoast/filament/abi"
	"github.com/najoast/filament/capability"
	"github.com/najoast/filament/kernel"
	"github.com/najoast/filament/value"
)

// Manifest is the on-disk process description.
type Manifest struct {
	Process ProcessSection `yaml:"process"`
}

// ProcessSection describes one process.
type ProcessSection struct {
	Policy       string              `yaml:"policy"`
	Timeline     string              `yaml:"timeline"`
	Seed         uint64              `yaml:"seed"`
	StagingBytes int                 `yaml:"staging_bytes"`
	Limits       LimitsSection       `yaml:"limits"`
	Modules      []ModuleSection     `yaml:"modules"`
	Channels     []ChannelSection    `yaml:"channels"`
	Capabilities []CapabilitySection `yaml:"capabilities"`
}

// LimitsSection mirrors abi.ResourceLimits.
type LimitsSection struct {
	MemMax       uint64 `yaml:"mem_max"`
	ComputeMax   uint64 `yaml:"compute_max"`
	TimeBudgetUS uint64 `yaml:"time_budget_us"`
}

// ModuleSection describes one pipeline stage.
type ModuleSection struct {
	Alias    string `yaml:"alias"`
	Engine   string `yaml:"engine"`
	Digest   string `yaml:"digest"` // hex SHA-256 of the code image
	Context  string `yaml:"context"`
	Pooling  string `yaml:"pooling"`
	MemLimit uint64 `yaml:"mem_limit"`
	Config   string `yaml:"config"` // opaque init payload
}

// ChannelSection describes one channel binding.
type ChannelSection struct {
	Topic     string `yaml:"topic"`
	SchemaURI string `yaml:"schema_uri"`
	RootType  string `yaml:"root_type"`
	Capacity  uint32 `yaml:"capacity"`
	MsgSize   uint32 `yaml:"msg_size"`
	Direction string `yaml:"direction"`
	AttachURI string `yaml:"attach_uri"`
}

// CapabilitySection describes one grant.
type CapabilitySection struct {
	URN       string   `yaml:"urn"`
	Affinity  string   `yaml:"affinity"`
	HostFuncs []string `yaml:"host_funcs"`
	Inbound   []string `yaml:"inbound"`
	Outbound  []string `yaml:"outbound"`
}

// Parse decodes a manifest strictly: unknown fields are errors.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("manifest: %w: empty document", abi.ErrInvalid)
		}
		return nil, fmt.Errorf("manifest: %w: %v", abi.ErrInvalid, err)
	}
	if len(m.Process.Modules) == 0 {
		return nil, fmt.Errorf("manifest: %w: no modules declared", abi.ErrInvalid)
	}
	return &m, nil
}

// LoadFile reads and parses a manifest file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}
	return Parse(data)
}

// SpawnSpec maps the manifest to kernel spawn arguments. Every ABI field
// except Flags is populated from a named manifest field; the manifest has
// no field for spawn flags, so Flags is always zero.
func (m *Manifest) SpawnSpec() (kernel.SpawnSpec, error) {
	var spec kernel.SpawnSpec
	ps := m.Process

	policy, err := parsePolicy(ps.Policy)
	if err != nil {
		return spec, err
	}

	args := abi.ProcessSpawnArgs{
		Limits: abi.ResourceLimits{
			MemMax:     ps.Limits.MemMax,
			ComputeMax: ps.Limits.ComputeMax,
			TimeBudget: ps.Limits.TimeBudgetUS,
		},
		Policy: policy,
	}

	engines := make(map[string]string)
	configs := make(map[string][]byte)
	for _, ms := range ps.Modules {
		def, err := ms.definition()
		if err != nil {
			return spec, err
		}
		args.Modules = append(args.Modules, def)
		if ms.Engine != "" {
			engines[ms.Alias] = ms.Engine
		}
		if ms.Config != "" {
			configs[ms.Alias] = []byte(ms.Config)
		}
	}

	var channels []kernel.ChannelSpec
	for _, cs := range ps.Channels {
		ch, err := cs.spec()
		if err != nil {
			return spec, err
		}
		channels = append(channels, ch)
		args.Channels = append(args.Channels, ch.Def)
	}

	var grants []capability.Grant
	for _, caps := range ps.Capabilities {
		g, err := caps.grant()
		if err != nil {
			return spec, err
		}
		grants = append(grants, g)
	}
	set, err := capability.NewSet(grants...)
	if err != nil {
		return spec, err
	}

	return kernel.SpawnSpec{
		Args:           args,
		Caps:           set,
		Engines:        engines,
		Configs:        configs,
		Channels:       channels,
		TimelinePolicy: ps.Timeline,
		Seed:           ps.Seed,
		StagingBytes:   ps.StagingBytes,
	}, nil
}

func (ms ModuleSection) definition() (abi.ModuleDefinition, error) {
	var def abi.ModuleDefinition
	if ms.Alias == "" {
		return def, fmt.Errorf("manifest: %w: module without alias", abi.ErrInvalid)
	}
	raw, err := hex.DecodeString(ms.Digest)
	if err != nil || len(raw) != 32 {
		return def, fmt.Errorf("manifest: module %s: %w: digest must be 64 hex chars", ms.Alias, abi.ErrInvalid)
	}
	context, err := parseContext(ms.Context)
	if err != nil {
		return def, fmt.Errorf("manifest: module %s: %w", ms.Alias, err)
	}
	pooling, err := parsePooling(ms.Pooling)
	if err != nil {
		return def, fmt.Errorf("manifest: module %s: %w", ms.Alias, err)
	}
	def.Alias = ms.Alias
	copy(def.Digest[:], raw)
	def.Context = context
	def.Pooling = pooling
	def.MemLimit = ms.MemLimit
	return def, nil
}

func (cs ChannelSection) spec() (kernel.ChannelSpec, error) {
	var ch kernel.ChannelSpec
	if cs.Topic == "" {
		return ch, fmt.Errorf("manifest: %w: channel without topic", abi.ErrInvalid)
	}
	rootType, err := parseRootType(cs.RootType)
	if err != nil {
		return ch, fmt.Errorf("manifest: channel %s: %w", cs.Topic, err)
	}
	direction, err := parseDirection(cs.Direction)
	if err != nil {
		return ch, fmt.Errorf("manifest: channel %s: %w", cs.Topic, err)
	}
	ch.Topic = cs.Topic
	ch.AttachURI = cs.AttachURI
	ch.Def = abi.ChannelDefinition{
		SchemaURI: cs.SchemaURI,
		Capacity:  cs.Capacity,
		MsgSize:   cs.MsgSize,
		Direction: direction,
		RootType:  uint32(rootType),
	}
	return ch, nil
}

func (caps CapabilitySection) grant() (capability.Grant, error) {
	var g capability.Grant
	affinity, err := parseAffinity(caps.Affinity)
	if err != nil {
		return g, fmt.Errorf("manifest: capability %s: %w", caps.URN, err)
	}
	g.URN = caps.URN
	g.Affinity = affinity
	g.HostFuncs = caps.HostFuncs
	g.InboundTopics = caps.Inbound
	g.OutboundTopics = caps.Outbound
	return g, nil
}

func parsePolicy(s string) (abi.SchedPolicy, error) {
	switch s {
	case "", "shared":
		return abi.Shared, nil
	case "dedicated":
		return abi.Dedicated, nil
	default:
		return 0, fmt.Errorf("%w: policy %q", abi.ErrInvalid, s)
	}
}

func parseContext(s string) (abi.ContextKind, error) {
	switch s {
	case "logic":
		return abi.ContextLogic, nil
	case "system":
		return abi.ContextSystem, nil
	case "", "managed":
		return abi.ContextManaged, nil
	default:
		return 0, fmt.Errorf("%w: context %q", abi.ErrInvalid, s)
	}
}

func parsePooling(s string) (abi.PoolingMode, error) {
	switch s {
	case "", "stateful":
		return abi.Stateful, nil
	case "stateless":
		return abi.Stateless, nil
	default:
		return 0, fmt.Errorf("%w: pooling %q", abi.ErrInvalid, s)
	}
}

func parseDirection(s string) (uint32, error) {
	switch s {
	case "", "inbound":
		return abi.DirectionInbound, nil
	case "outbound":
		return abi.DirectionOutbound, nil
	case "duplex":
		return abi.DirectionDuplex, nil
	default:
		return 0, fmt.Errorf("%w: direction %q", abi.ErrInvalid, s)
	}
}

func parseAffinity(s string) (capability.Affinity, error) {
	switch s {
	case "", "agnostic":
		return capability.Agnostic, nil
	case "pinned":
		return capability.Pinned, nil
	default:
		return 0, fmt.Errorf("%w: affinity %q", abi.ErrInvalid, s)
	}
}

func parseRootType(s string) (value.Tag, error) {
	switch s {
	case "":
		return value.TagUnit, nil
	case "unit":
		return value.TagUnit, nil
	case "bool":
		return value.TagBool, nil
	case "i64":
		return value.TagI64, nil
	case "u64":
		return value.TagU64, nil
	case "f64":
		return value.TagF64, nil
	case "string":
		return value.TagString, nil
	case "blob":
		return value.TagBlobRef, nil
	case "map":
		return value.TagMap, nil
	case "list":
		return value.TagList, nil
	case "bytes":
		return value.TagBytes, nil
	default:
		return 0, fmt.Errorf("%w: root type %q", abi.ErrInvalid, s)
	}
}
