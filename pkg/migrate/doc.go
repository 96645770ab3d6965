// Package migrate upgrades serialized topologies written by older schema
// versions. A backup is treated as a raw JSON document plus its declared
// version; every step whose bound is above the declared version runs in
// ascending order, then the result is decoded and validated as a current
// model.Topology. Steps only look at the declared version and field presence.
package migrate
