// Package treebuilder constructs a Layer tree from a declarative YAML
// document per §6's configuration interface: a root entry layer name,
// a log_mode, an optional metadata service, and a table of named
// layers referencing each other by name. It fails closed on any
// unknown type, missing reference, or cyclic reference.
package treebuilder

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"github.com/scttfrdmn/layerfs/internal/layer"
	"github.com/scttfrdmn/layerfs/internal/metadata"

	_ "github.com/scttfrdmn/layerfs/internal/layers/antitamper"
	_ "github.com/scttfrdmn/layerfs/internal/layers/benchmark"
	_ "github.com/scttfrdmn/layerfs/internal/layers/blockalign"
	_ "github.com/scttfrdmn/layerfs/internal/layers/compression"
	_ "github.com/scttfrdmn/layerfs/internal/layers/demux"
	_ "github.com/scttfrdmn/layerfs/internal/layers/encryption"
	_ "github.com/scttfrdmn/layerfs/internal/layers/ipfslayer"
	_ "github.com/scttfrdmn/layerfs/internal/layers/local"
	_ "github.com/scttfrdmn/layerfs/internal/layers/readcache"
	_ "github.com/scttfrdmn/layerfs/internal/layers/remote"
	_ "github.com/scttfrdmn/layerfs/internal/layers/s3layer"
	_ "github.com/scttfrdmn/layerfs/internal/layers/solanalayer"
)

// LogMode is one of the five levels recognized by the configuration
// interface, plus "disabled".
type LogMode string

const (
	LogDisabled LogMode = "disabled"
	LogScreen   LogMode = "screen"
	LogError    LogMode = "error"
	LogWarn     LogMode = "warn"
	LogInfo     LogMode = "info"
	LogDebug    LogMode = "debug"
)

var validLogModes = map[LogMode]bool{
	LogDisabled: true, LogScreen: true, LogError: true,
	LogWarn: true, LogInfo: true, LogDebug: true,
}

// servicesConfig is the optional `services` table (§+4.11): an
// embedded KV metadata service sized by cache_size and threads.
type servicesConfig struct {
	Type      string `yaml:"type"`
	CacheSize int    `yaml:"cache_size"`
	Threads   int    `yaml:"threads"`
}

// document is the raw parsed form of the configuration document.
// Named layer tables fall into the inline map since every key other
// than root/log_mode/services is a layer name.
type document struct {
	Root     string          `yaml:"root"`
	LogMode  string          `yaml:"log_mode"`
	Services *servicesConfig `yaml:"services"`
	Layers   map[string]map[interface{}]interface{} `yaml:",inline"`
}

// Tree is the result of a successful build: the entry layer, the
// resolved log mode, and the metadata service if `services` named one.
type Tree struct {
	Root     layer.Layer
	LogMode  LogMode
	Metadata *metadata.Service
}

// Build parses a YAML configuration document and constructs the Layer
// tree it describes. Reference errors, cycles, and unknown types all
// fail construction — nothing is partially wired.
func Build(yamlDoc []byte) (*Tree, error) {
	var doc document
	if err := yaml.Unmarshal(yamlDoc, &doc); err != nil {
		return nil, fmt.Errorf("treebuilder: parse: %w", err)
	}
	if doc.Root == "" {
		return nil, fmt.Errorf("treebuilder: missing required %q key", "root")
	}
	mode := LogMode(doc.LogMode)
	if mode == "" {
		mode = LogDisabled
	}
	if !validLogModes[mode] {
		return nil, fmt.Errorf("treebuilder: invalid log_mode %q", doc.LogMode)
	}

	b := &builder{
		specs:    make(map[string]map[string]interface{}, len(doc.Layers)),
		built:    make(map[string]layer.Layer),
		visiting: make(map[string]bool),
	}
	for name, raw := range doc.Layers {
		b.specs[name] = toStringMap(raw)
	}

	root, err := b.resolve(doc.Root)
	if err != nil {
		return nil, err
	}

	var svc *metadata.Service
	if doc.Services != nil {
		if doc.Services.Type != "metadata" {
			return nil, fmt.Errorf("treebuilder: unknown services type %q", doc.Services.Type)
		}
		svc = metadata.NewService(doc.Services.CacheSize, doc.Services.Threads)
	}

	return &Tree{Root: root, LogMode: mode, Metadata: svc}, nil
}

type builder struct {
	specs    map[string]map[string]interface{}
	built    map[string]layer.Layer
	visiting map[string]bool
}

// singleRefKeys names the options, per layer type, whose values are layer
// names rather than plain configuration values.
var singleRefKeys = map[string][]string{
	"block_align":    {"next"},
	"read_cache":     {"next"},
	"benchmark":      {"next"},
	"compression":    {"next"},
	"encryption":     {"next"},
	"anti_tampering": {"data_layer", "hash_layer"},
}

func (b *builder) resolve(name string) (layer.Layer, error) {
	if l, ok := b.built[name]; ok {
		return l, nil
	}
	if b.visiting[name] {
		return nil, fmt.Errorf("treebuilder: cyclic reference involving layer %q", name)
	}
	spec, ok := b.specs[name]
	if !ok {
		return nil, fmt.Errorf("treebuilder: missing layer reference %q", name)
	}
	typeName, _ := spec["type"].(string)
	if typeName == "" {
		return nil, fmt.Errorf("treebuilder: layer %q has no %q", name, "type")
	}
	ctor, ok := layer.Default().Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("treebuilder: layer %q has unknown type %q", name, typeName)
	}

	b.visiting[name] = true
	defer delete(b.visiting, name)

	deps := layer.BuildDeps{
		Options: make(map[string]interface{}, len(spec)),
		Named:   make(map[string]layer.Layer),
	}
	for k, v := range spec {
		if k == "type" {
			continue
		}
		deps.Options[k] = v
	}

	if typeName == "demultiplexer" {
		if err := b.resolveDemuxRefs(spec, &deps); err != nil {
			return nil, err
		}
	} else {
		for _, refKey := range singleRefKeys[typeName] {
			refName, _ := spec[refKey].(string)
			if refName == "" {
				continue // registry's own constructor reports missing-required errors
			}
			child, err := b.resolve(refName)
			if err != nil {
				return nil, err
			}
			deps.Named[refKey] = child
		}
	}

	l, err := ctor(deps)
	if err != nil {
		return nil, fmt.Errorf("treebuilder: constructing layer %q: %w", name, err)
	}
	b.built[name] = l
	return l, nil
}

// resolveDemuxRefs resolves the demultiplexer's `layers` name list and
// translates the `passthrough_reads`/`passthrough_writes`/
// `enforced_layers` name lists into boolean arrays positionally
// aligned with deps.Children, which is what internal/layers/demux's
// registry constructor expects.
func (b *builder) resolveDemuxRefs(spec map[string]interface{}, deps *layer.BuildDeps) error {
	names := toStringSlice(spec["layers"])
	if len(names) == 0 {
		return fmt.Errorf("treebuilder: demultiplexer requires a non-empty %q list", "layers")
	}
	reads := setOf(toStringSlice(spec["passthrough_reads"]))
	writes := setOf(toStringSlice(spec["passthrough_writes"]))
	enforced := setOf(toStringSlice(spec["enforced_layers"]))

	children := make([]layer.Layer, 0, len(names))
	readFlags := make([]interface{}, 0, len(names))
	writeFlags := make([]interface{}, 0, len(names))
	enforcedFlags := make([]interface{}, 0, len(names))
	for _, n := range names {
		child, err := b.resolve(n)
		if err != nil {
			return err
		}
		children = append(children, child)
		readFlags = append(readFlags, reads[n])
		writeFlags = append(writeFlags, writes[n])
		enforcedFlags = append(enforcedFlags, enforced[n])
	}
	deps.Children = children
	deps.Options["passthrough_read"] = readFlags
	deps.Options["passthrough_write"] = writeFlags
	deps.Options["enforced"] = enforcedFlags
	return nil
}

func setOf(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func toStringSlice(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// toStringMap recursively converts yaml.v2's default
// map[interface{}]interface{} decoding into map[string]interface{} so
// callers can index options with plain string keys.
func toStringMap(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		ks := fmt.Sprintf("%v", k)
		out[ks] = normalize(v)
	}
	return out
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		return toStringMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
