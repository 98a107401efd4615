package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/vertex"
)

// parseInputs reads "op-a/0,op-a/1,op-b" into connection keys. A missing
// shard means shard 0.
func parseInputs(s string) ([]flow.ConnectionKey, error) {
	var keys []flow.ConnectionKey
	for _, part := range splitList(s, ",") {
		name, shardText, hasShard := strings.Cut(part, "/")
		key := flow.ConnectionKey{Instance: name}
		if hasShard {
			shard, err := strconv.Atoi(shardText)
			if err != nil || shard < 0 {
				return nil, fmt.Errorf("invalid shard in input %q", part)
			}
			key.Shard = shard
		}
		if key.Instance == "" {
			return nil, fmt.Errorf("invalid input %q", part)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// parseDownstream reads "sink=op-c@host:7301+op-d@host:7302;audit=op-e@host:7303"
// into downstream operators and the address of every target instance.
func parseDownstream(s string) ([]vertex.Downstream, map[string]string, error) {
	var downstream []vertex.Downstream
	addrs := make(map[string]string)
	for _, group := range splitList(s, ";") {
		operator, targets, ok := strings.Cut(group, "=")
		if !ok || operator == "" {
			return nil, nil, fmt.Errorf("invalid downstream %q", group)
		}
		ds := vertex.Downstream{Operator: operator}
		for _, target := range splitList(targets, "+") {
			name, addr, ok := strings.Cut(target, "@")
			if !ok || name == "" || addr == "" {
				return nil, nil, fmt.Errorf("invalid target %q of %s", target, operator)
			}
			if prev, dup := addrs[name]; dup && prev != addr {
				return nil, nil, fmt.Errorf("instance %s has two addresses", name)
			}
			addrs[name] = addr
			ds.Instances = append(ds.Instances, name)
		}
		if len(ds.Instances) == 0 {
			return nil, nil, fmt.Errorf("downstream %s has no instances", operator)
		}
		downstream = append(downstream, ds)
	}
	return downstream, addrs, nil
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
