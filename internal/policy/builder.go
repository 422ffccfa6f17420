package policy

import (
	"fmt"
	"strings"
)

// scriptBuilder assembles an nft -f script. Tables come first, then chains,
// then rules grouped by chain in the order the chains were added.
type scriptBuilder struct {
	header     []string
	tables     []string
	chains     []string
	rules      map[string][]string
	chainOrder []string
}

func newScriptBuilder() *scriptBuilder {
	return &scriptBuilder{rules: make(map[string][]string)}
}

func (sb *scriptBuilder) AddLine(line string) {
	sb.header = append(sb.header, line)
}

func (sb *scriptBuilder) AddTable(family, table string) {
	sb.tables = append(sb.tables, fmt.Sprintf("add table %s %s", family, table))
}

func (sb *scriptBuilder) AddChain(family, table, chain, typeName, hook string, priority int, policy string) {
	sb.chains = append(sb.chains,
		fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; policy %s; }",
			family, table, chain, typeName, hook, priority, policy))
	key := family + " " + table + " " + chain
	sb.chainOrder = append(sb.chainOrder, key)
}

func (sb *scriptBuilder) AddRule(family, table, chain, rule string) {
	key := family + " " + table + " " + chain
	sb.rules[key] = append(sb.rules[key], fmt.Sprintf("add rule %s %s", key, rule))
}

func (sb *scriptBuilder) Build() string {
	var lines []string
	lines = append(lines, sb.header...)
	lines = append(lines, sb.tables...)
	lines = append(lines, sb.chains...)
	for _, chain := range sb.chainOrder {
		lines = append(lines, sb.rules[chain]...)
	}
	return strings.Join(lines, "\n") + "\n"
}
