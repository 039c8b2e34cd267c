/*
Package config provides the two configuration layers MarFS components
load from: the MarFS namespace/repo configuration itself (XML-shaped, parsed in
marfsconfig.go), and an ambient RuntimeConfig covering logging, metrics,
retry, and circuit-breaker settings (YAML, in config.go).

# MarFS configuration

Top elements are mnt_top, hosts, and one or more repo elements. Each repo
carries a data scheme (protection N/E/PSZ, packing, chunking, pod/cap/
scatter distribution tables, and an opaque DAL block) and a metadata
scheme (reference-tree shape, direct-access flags, an opaque MDAL block),
plus the namespace tree mounted under it. Namespace elements carry
permission masks, quotas, an interactive-write repo, and a range list for
batch writes; quotas accept K/M/G/T/P suffixes and an optional `~` prefix
meaning "tracked but not enforced". Range-list validation rejects
overlapping, gapped, or unbounded-in-the-middle ranges and requires
exactly one unbounded (max = +Inf) entry. Reserved namespace-name
characters (/ | ( ) #) are rejected.

LoadMarFSConfig reads this file and returns a MarFSConfig whose
Namespaces/Repos slices are ready to build an internal/placement.Registry.

# Runtime configuration

RuntimeConfig is a set of yaml.v2-tagged structs loaded from a sibling
runtime.yaml, with MARFS_*-prefixed environment variable overrides and a
load/save/validate surface.
*/
package config
