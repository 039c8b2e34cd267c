package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	marfserrors "github.com/marfs-core/marfs/pkg/errors"
	"github.com/marfs-core/marfs/pkg/types"
)

// reservedNameChars are forbidden in namespace names.
const reservedNameChars = "/|()#"

// xmlConfig mirrors the MarFS configuration file's top-level shape:
// mnt_top, hosts, and one or more repo elements, each carrying a
// data scheme, a metadata scheme, and its namespace tree.
type xmlConfig struct {
	XMLName xml.Name    `xml:"marfs_config"`
	MntTop  string      `xml:"mnt_top"`
	Hosts   string      `xml:"hosts"`
	Repos   []xmlRepo   `xml:"repo"`
}

type xmlRepo struct {
	Name       string         `xml:"name,attr"`
	Data       xmlData        `xml:"data"`
	Meta       xmlMeta        `xml:"meta"`
	Namespaces []xmlNamespace `xml:"namespace"`
}

type xmlData struct {
	Protection   xmlProtection   `xml:"protection"`
	Packing      xmlPacking      `xml:"packing"`
	Chunking     xmlChunking     `xml:"chunking"`
	Distribution xmlDistribution `xml:"distribution"`
	DAL          xmlOpaqueBlock  `xml:"DAL"`
}

type xmlProtection struct {
	N   int   `xml:"N,attr"`
	E   int   `xml:"E,attr"`
	PSZ int64 `xml:"PSZ,attr"`
}

type xmlPacking struct {
	MaxFiles int  `xml:"max_files,attr"`
	Enabled  bool `xml:"enabled,attr"`
}

type xmlChunking struct {
	MaxSize int64 `xml:"max_size,attr"`
	Enabled bool  `xml:"enabled,attr"`
}

type xmlDistribution struct {
	Pods     xmlDistTable `xml:"pods"`
	Caps     xmlDistTable `xml:"caps"`
	Scatters xmlDistTable `xml:"scatters"`
}

// xmlDistTable parses a `cnt="N" dweight="W"` attribute pair and a body
// of `idx=weight;idx=weight;...` overrides.
type xmlDistTable struct {
	Count   int    `xml:"cnt,attr"`
	DWeight int    `xml:"dweight,attr"`
	Body    string `xml:",chardata"`
}

func (d xmlDistTable) toDistTable() (types.DistTable, error) {
	table := types.DistTable{
		Count:   d.Count,
		Default: d.DWeight,
		Weights: make(map[int]int),
	}
	body := strings.TrimSpace(d.Body)
	if body == "" {
		return table, nil
	}
	for _, entry := range strings.Split(body, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return types.DistTable{}, fmt.Errorf("malformed distribution override %q", entry)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return types.DistTable{}, fmt.Errorf("malformed distribution index %q: %w", parts[0], err)
		}
		weight, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return types.DistTable{}, fmt.Errorf("malformed distribution weight %q: %w", parts[1], err)
		}
		if idx < 0 || idx >= d.Count {
			return types.DistTable{}, fmt.Errorf("distribution override index %d out of range [0,%d)", idx, d.Count)
		}
		table.Weights[idx] = weight
	}
	return table, nil
}

type xmlMeta struct {
	Namespaces xmlNamespaceScheme `xml:"namespaces"`
	Direct     xmlDirect          `xml:"direct"`
	MDAL       xmlOpaqueBlock     `xml:"MDAL"`
}

type xmlNamespaceScheme struct {
	RBreadth int `xml:"rbreadth,attr"`
	RDepth   int `xml:"rdepth,attr"`
	RDigits  int `xml:"rdigits,attr"`
}

type xmlDirect struct {
	Read        bool `xml:"read,attr"`
	Write       bool `xml:"write,attr"`
	WriteChunks bool `xml:"write_chunks,attr"`
}

// xmlOpaqueBlock captures a DAL/MDAL backend block without interpreting
// it; the raw object-store transport is an external collaborator, so the
// core only needs to round-trip this block to
// whichever DAL/MDAL implementation is configured to consume it.
type xmlOpaqueBlock struct {
	Type  string `xml:"type,attr"`
	Inner string `xml:",innerxml"`
}

type xmlNamespace struct {
	Name       string         `xml:"name,attr"`
	MountPath  string         `xml:"mount_path,attr"`
	MDPath     string         `xml:"md_path,attr"`
	TrashRoot  string         `xml:"trash_root,attr"`
	FSInfo     string         `xml:"fsinfo,attr"`
	CompressAndCorrect string `xml:"compress_and_correct,attr"`
	Ghost      bool           `xml:"ghost,attr"`

	Perms     xmlPerms     `xml:"perms"`
	Quotas    xmlQuotas    `xml:"quotas"`
	IWrite    string       `xml:"iwrite_repo"`
	RangeList []xmlRange   `xml:"rangelist>range"`

	Subspaces []xmlNamespace `xml:"namespace"`
}

type xmlPerms struct {
	Interactive string `xml:"interactive,attr"`
	Batch       string `xml:"batch,attr"`
}

type xmlQuotas struct {
	Files string `xml:"files,attr"`
	Data  string `xml:"data,attr"`
}

type xmlRange struct {
	Min  int64  `xml:"min,attr"`
	Max  string `xml:"max,attr"` // numeric, or "inf"/"-1" for unbounded
	Repo string `xml:"repo,attr"`
}

// parsePermSet parses the `{R,W}{M,D}` comma-separated permission
// alphabet into a PermSet.
func parsePermSet(spec string) (types.PermSet, error) {
	var mask types.Perm
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return types.PermSet{}, nil
	}
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		switch tok {
		case "RM":
			mask |= types.PermReadMeta
		case "WM":
			mask |= types.PermWriteMeta
		case "RD":
			mask |= types.PermReadData
		case "WD":
			mask |= types.PermWriteData
		default:
			return types.PermSet{}, fmt.Errorf("unknown permission token %q", tok)
		}
	}
	return types.PermSet{Mask: mask}, nil
}

// parseQuota parses a quota value with optional K/M/G/T/P suffix and an
// optional ~ prefix marking the quota tracked-but-unenforced.
func parseQuota(raw string) (types.Quota, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.Quota{Enforced: false}, nil
	}
	enforced := true
	if strings.HasPrefix(raw, "~") {
		enforced = false
		raw = strings.TrimPrefix(raw, "~")
	}
	limit, err := parseSizeSuffix(raw)
	if err != nil {
		return types.Quota{}, err
	}
	return types.Quota{Limit: limit, Enforced: enforced}, nil
}

func parseSizeSuffix(raw string) (int64, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	multiplier := int64(1)
	numStr := raw
	suffixes := []struct {
		suf  string
		mult int64
	}{
		{"P", 1 << 50},
		{"T", 1 << 40},
		{"G", 1 << 30},
		{"M", 1 << 20},
		{"K", 1 << 10},
	}
	for _, s := range suffixes {
		if strings.HasSuffix(raw, s.suf) {
			multiplier = s.mult
			numStr = strings.TrimSuffix(raw, s.suf)
			break
		}
	}
	if numStr == "" {
		return 0, fmt.Errorf("empty numeric quota value")
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quota value %q: %w", raw, err)
	}
	return n * multiplier, nil
}

func validateName(name string) error {
	if strings.ContainsAny(name, reservedNameChars) {
		return fmt.Errorf("namespace name %q contains a reserved character (one of %q)", name, reservedNameChars)
	}
	return nil
}

// MarFSConfig is the fully parsed and validated MarFS configuration: the
// mount-top prefix plus the flattened namespace and repo sets, ready to
// build an internal/placement.Registry from.
type MarFSConfig struct {
	MntTop     string
	Hosts      string
	Namespaces []*types.Namespace
	Repos      []*types.Repo
}

// LoadMarFSConfig reads and parses the MarFS namespace/repo configuration
// file and validates its structure.
func LoadMarFSConfig(path string) (*MarFSConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeInvalidConfig,
			fmt.Sprintf("failed to read marfs config %q", path)).
			WithComponent("config").WithOperation("load_marfs_config").WithCause(err)
	}

	var raw xmlConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeInvalidConfig,
			"failed to parse marfs config XML").
			WithComponent("config").WithOperation("load_marfs_config").WithCause(err)
	}

	return buildMarFSConfig(raw)
}

// ParseMarFSConfig parses already-read MarFS configuration bytes; split
// out from LoadMarFSConfig so tests can exercise the parser without a
// filesystem round-trip.
func ParseMarFSConfig(data []byte) (*MarFSConfig, error) {
	var raw xmlConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, marfserrors.New(marfserrors.ErrCodeInvalidConfig,
			"failed to parse marfs config XML").
			WithComponent("config").WithOperation("parse_marfs_config").WithCause(err)
	}
	return buildMarFSConfig(raw)
}

func buildMarFSConfig(raw xmlConfig) (*MarFSConfig, error) {
	cfg := &MarFSConfig{MntTop: raw.MntTop, Hosts: raw.Hosts}

	for _, r := range raw.Repos {
		repo, err := buildRepo(r)
		if err != nil {
			return nil, configErr("repo "+r.Name, err)
		}
		cfg.Repos = append(cfg.Repos, repo)

		for _, ns := range r.Namespaces {
			built, err := buildNamespaceTree(r.Name, "", r.Meta.Namespaces, ns)
			if err != nil {
				return nil, configErr("namespace under repo "+r.Name, err)
			}
			cfg.Namespaces = append(cfg.Namespaces, built...)
		}
	}

	return cfg, nil
}

func buildRepo(r xmlRepo) (*types.Repo, error) {
	pods, err := r.Data.Distribution.Pods.toDistTable()
	if err != nil {
		return nil, fmt.Errorf("pods distribution: %w", err)
	}
	caps, err := r.Data.Distribution.Caps.toDistTable()
	if err != nil {
		return nil, fmt.Errorf("caps distribution: %w", err)
	}
	scatters, err := r.Data.Distribution.Scatters.toDistTable()
	if err != nil {
		return nil, fmt.Errorf("scatters distribution: %w", err)
	}

	return &types.Repo{
		Name:         r.Name,
		MaxPackFiles: r.Data.Packing.MaxFiles,
		ChunkSize:    r.Data.Chunking.MaxSize,
		ChunkAtSize:  r.Data.Chunking.MaxSize,
		N:            r.Data.Protection.N,
		E:            r.Data.Protection.E,
		PartSz:       r.Data.Protection.PSZ,
		Pods:         pods,
		Caps:         caps,
		Scatters:     scatters,
	}, nil
}

func buildNamespaceTree(repoName, parentID string, scheme xmlNamespaceScheme, x xmlNamespace) ([]*types.Namespace, error) {
	if err := validateName(x.Name); err != nil {
		return nil, err
	}

	id := x.Name
	if parentID != "" {
		id = parentID + "|" + x.Name
	} else if repoName != "" {
		id = repoName + "|" + x.Name
	}

	interactivePerm, err := parsePermSet(x.Perms.Interactive)
	if err != nil {
		return nil, fmt.Errorf("namespace %q interactive perms: %w", x.Name, err)
	}
	batchPerm, err := parsePermSet(x.Perms.Batch)
	if err != nil {
		return nil, fmt.Errorf("namespace %q batch perms: %w", x.Name, err)
	}
	fileQuota, err := parseQuota(x.Quotas.Files)
	if err != nil {
		return nil, fmt.Errorf("namespace %q file quota: %w", x.Name, err)
	}
	byteQuota, err := parseQuota(x.Quotas.Data)
	if err != nil {
		return nil, fmt.Errorf("namespace %q byte quota: %w", x.Name, err)
	}
	rangeList, err := buildRangeList(x.RangeList)
	if err != nil {
		return nil, fmt.Errorf("namespace %q range list: %w", x.Name, err)
	}

	ns := &types.Namespace{
		ID:                 id,
		MountPath:          x.MountPath,
		MDPath:             x.MDPath,
		TrashRoot:          x.TrashRoot,
		FSInfo:             x.FSInfo,
		InteractivePerm:    interactivePerm,
		BatchPerm:          batchPerm,
		CompressAndCorrect: x.CompressAndCorrect,
		IWriteRepo:         x.IWrite,
		RangeList:          rangeList,
		FileQuota:          fileQuota,
		ByteQuota:          byteQuota,
		Ghost:              x.Ghost,
		RefBreadth:         scheme.RBreadth,
		RefDepth:           scheme.RDepth,
		RefDigits:          scheme.RDigits,
		Subspaces:          make(map[string]string),
	}

	out := []*types.Namespace{ns}
	for _, child := range x.Subspaces {
		childNSes, err := buildNamespaceTree(repoName, id, scheme, child)
		if err != nil {
			return nil, err
		}
		ns.Subspaces[child.Name] = childNSes[0].ID
		out = append(out, childNSes...)
	}
	return out, nil
}

// buildRangeList validates the range list: ordered
// ascending by minimum; min/max inclusive; exactly one entry has
// max = +Inf; no overlaps or gaps.
func buildRangeList(ranges []xmlRange) ([]types.SizeRange, error) {
	if len(ranges) == 0 {
		return nil, nil
	}

	out := make([]types.SizeRange, 0, len(ranges))
	for _, r := range ranges {
		max := int64(-1)
		m := strings.TrimSpace(strings.ToLower(r.Max))
		if m != "" && m != "inf" && m != "-1" {
			v, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid range max %q: %w", r.Max, err)
			}
			max = v
		}
		out = append(out, types.SizeRange{Min: r.Min, Max: max, Repo: r.Repo})
	}

	sortedCopy := make([]types.SizeRange, len(out))
	copy(sortedCopy, out)
	for i := 1; i < len(sortedCopy); i++ {
		for j := i; j > 0 && sortedCopy[j-1].Min > sortedCopy[j].Min; j-- {
			sortedCopy[j-1], sortedCopy[j] = sortedCopy[j], sortedCopy[j-1]
		}
	}

	unboundedCount := 0
	for i, r := range sortedCopy {
		if r.Unbounded() {
			unboundedCount++
			if i != len(sortedCopy)-1 {
				return nil, marfserrors.New(marfserrors.ErrCodeRangeGap,
					"unbounded range entry must be last").
					WithComponent("config").WithOperation("validate_range_list")
			}
			continue
		}
		if i+1 < len(sortedCopy) {
			next := sortedCopy[i+1]
			if r.Max >= next.Min {
				return nil, marfserrors.New(marfserrors.ErrCodeRangeOverlap,
					fmt.Sprintf("range [%d,%d] overlaps [%d,%d]", r.Min, r.Max, next.Min, next.Max)).
					WithComponent("config").WithOperation("validate_range_list")
			}
			if r.Max+1 != next.Min {
				return nil, marfserrors.New(marfserrors.ErrCodeRangeGap,
					fmt.Sprintf("gap between range ending %d and range starting %d", r.Max, next.Min)).
					WithComponent("config").WithOperation("validate_range_list")
			}
		}
	}
	if unboundedCount != 1 {
		return nil, marfserrors.New(marfserrors.ErrCodeRangeGap,
			fmt.Sprintf("range list must have exactly one unbounded entry, found %d", unboundedCount)).
			WithComponent("config").WithOperation("validate_range_list")
	}

	return sortedCopy, nil
}

func configErr(context string, cause error) error {
	if mfe, ok := cause.(*marfserrors.MarFSError); ok {
		return mfe.WithDetail("context", context)
	}
	return marfserrors.New(marfserrors.ErrCodeInvalidConfig, fmt.Sprintf("%s: %s", context, cause.Error())).
		WithComponent("config").WithOperation("load_marfs_config").WithCause(cause)
}
