package vocab

import "slices"

// TrieNode is a node in a rune-keyed prefix tree over vocabulary pieces.
// Nodes are read-only once the owning Vocabulary has built them.
type TrieNode struct {
	// IDs holds the tokens whose piece ends exactly at this node.
	IDs []int32

	children map[rune]*TrieNode
	runes    []rune // sorted keys of children
}

func newTrieNode() *TrieNode {
	return &TrieNode{children: make(map[rune]*TrieNode)}
}

func (n *TrieNode) insert(piece string, id int32) {
	node := n
	for _, r := range piece {
		child, ok := node.children[r]
		if !ok {
			child = newTrieNode()
			node.children[r] = child
			i, _ := slices.BinarySearch(node.runes, r)
			node.runes = slices.Insert(node.runes, i, r)
		}
		node = child
	}
	node.IDs = append(node.IDs, id)
}

// Runes returns the edge labels leaving n in ascending order.
func (n *TrieNode) Runes() []rune {
	return n.runes
}

func (n *TrieNode) Child(r rune) *TrieNode {
	return n.children[r]
}

// Walk follows prefix from n and returns the node it ends on, or nil if
// no piece continues that way.
func (n *TrieNode) Walk(prefix string) *TrieNode {
	node := n
	for _, r := range prefix {
		if node = node.children[r]; node == nil {
			return nil
		}
	}
	return node
}

// Collect appends the ids of every piece in the subtree rooted at n.
func (n *TrieNode) Collect(ids []int32) []int32 {
	ids = append(ids, n.IDs...)
	for _, r := range n.runes {
		ids = n.children[r].Collect(ids)
	}
	return ids
}
