package diff

import "sort"

type itemDiffFunc func(from, to Value, path Path, annotated bool) Diff

type itemPair struct {
	from int
	to   int
}

func (e *engine) diffArray(from, to []any, path Path, annotated bool, diffItem itemDiffFunc) *ArrayDiff {
	fromKeys := e.uniqueKeys(from)
	toKeys := e.uniqueKeys(to)

	toByKey := make(map[string]int, len(to))
	for idx, key := range toKeys {
		if key != "" {
			toByKey[key] = idx
		}
	}

	fromMatch := make([]int, len(from))
	toMatch := make([]int, len(to))
	for i := range fromMatch {
		fromMatch[i] = -1
	}
	for i := range toMatch {
		toMatch[i] = -1
	}

	for i, key := range fromKeys {
		if key == "" {
			continue
		}
		if j, ok := toByKey[key]; ok {
			fromMatch[i] = j
			toMatch[j] = i
		}
	}

	var fromUnkeyed, toUnkeyed []int
	for i, key := range fromKeys {
		if key == "" {
			fromUnkeyed = append(fromUnkeyed, i)
		}
	}
	for j, key := range toKeys {
		if key == "" {
			toUnkeyed = append(toUnkeyed, j)
		}
	}
	for _, pair := range e.matchUnkeyed(from, to, fromUnkeyed, toUnkeyed) {
		fromMatch[pair.from] = pair.to
		toMatch[pair.to] = pair.from
	}

	moved := movedItems(toMatch)

	removedAfter := make(map[int][]int)
	lastMatched := -1
	for i := range from {
		if fromMatch[i] >= 0 {
			lastMatched = fromMatch[i]
			continue
		}
		removedAfter[lastMatched] = append(removedAfter[lastMatched], i)
	}

	action := ActionUnchanged
	items := make([]ItemDiff, 0, len(to)+len(removedAfter))
	appendRemoved := func(anchor int) {
		for _, i := range removedAfter[anchor] {
			key := fromKeys[i]
			items = append(items, ItemDiff{
				FromIndex: i,
				ToIndex:   -1,
				Key:       key,
				Diff:      e.whole(from[i], ActionRemoved, path.Item(key, i), annotated),
			})
			action = ActionChanged
		}
	}

	appendRemoved(-1)
	for j := range to {
		key := toKeys[j]
		i := toMatch[j]
		if i < 0 {
			items = append(items, ItemDiff{
				FromIndex: -1,
				ToIndex:   j,
				Key:       key,
				Diff:      e.whole(to[j], ActionAdded, path.Item(key, j), annotated),
			})
			action = ActionChanged
		} else {
			item := ItemDiff{
				FromIndex: i,
				ToIndex:   j,
				Key:       key,
				HasMoved:  moved[j],
				Diff:      diffItem(from[i], to[j], path.Item(key, j), annotated),
			}
			if item.HasMoved || ActionOf(item.Diff) != ActionUnchanged {
				action = ActionChanged
			}
			items = append(items, item)
		}
		appendRemoved(j)
	}

	return &ArrayDiff{Node: Node{Action: action}, FromValue: from, ToValue: to, Items: items}
}

// uniqueKeys returns the stable key of each item. Items without a key, and
// every repeat of an already seen key, get "".
func (e *engine) uniqueKeys(items []any) []string {
	keys := make([]string, len(items))
	seen := make(map[string]struct{}, len(items))
	for idx, item := range items {
		key := e.itemKey(item)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys[idx] = key
	}
	return keys
}

func (e *engine) matchUnkeyed(from, to []any, fromIdx, toIdx []int) []itemPair {
	if e.opts.matching == MatchContent {
		return matchByContent(from, to, fromIdx, toIdx)
	}
	return matchPositionally(fromIdx, toIdx)
}

func matchPositionally(fromIdx, toIdx []int) []itemPair {
	n := min(len(fromIdx), len(toIdx))
	pairs := make([]itemPair, 0, n)
	for k := 0; k < n; k++ {
		pairs = append(pairs, itemPair{from: fromIdx[k], to: toIdx[k]})
	}
	return pairs
}

// matchByContent anchors on the longest common subsequence of equal items,
// then pairs leftover items that are equal to each other, then pairs whatever
// is still left positionally.
func matchByContent(from, to []any, fromIdx, toIdx []int) []itemPair {
	n, m := len(fromIdx), len(toIdx)
	lengths := make([][]int, n+1)
	for i := range lengths {
		lengths[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if Equal(from[fromIdx[i]], to[toIdx[j]]) {
				lengths[i][j] = lengths[i+1][j+1] + 1
			} else {
				lengths[i][j] = max(lengths[i+1][j], lengths[i][j+1])
			}
		}
	}

	pairs := make([]itemPair, 0, min(n, m))
	var restFrom, restTo []int
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case Equal(from[fromIdx[i]], to[toIdx[j]]):
			pairs = append(pairs, itemPair{from: fromIdx[i], to: toIdx[j]})
			i++
			j++
		case lengths[i+1][j] >= lengths[i][j+1]:
			restFrom = append(restFrom, fromIdx[i])
			i++
		default:
			restTo = append(restTo, toIdx[j])
			j++
		}
	}
	restFrom = append(restFrom, fromIdx[i:]...)
	restTo = append(restTo, toIdx[j:]...)

	used := make([]bool, len(restTo))
	var unpairedFrom, unpairedTo []int
	for _, fi := range restFrom {
		paired := false
		for k, tj := range restTo {
			if !used[k] && Equal(from[fi], to[tj]) {
				used[k] = true
				pairs = append(pairs, itemPair{from: fi, to: tj})
				paired = true
				break
			}
		}
		if !paired {
			unpairedFrom = append(unpairedFrom, fi)
		}
	}
	for k, tj := range restTo {
		if !used[k] {
			unpairedTo = append(unpairedTo, tj)
		}
	}
	pairs = append(pairs, matchPositionally(unpairedFrom, unpairedTo)...)

	sort.Slice(pairs, func(a, b int) bool { return pairs[a].to < pairs[b].to })
	return pairs
}

// movedItems flags matched items that fall outside the longest run of items
// whose relative order is preserved. toMatch maps new index to old index.
func movedItems(toMatch []int) map[int]bool {
	var order []int
	for j, i := range toMatch {
		if i >= 0 {
			order = append(order, j)
		}
	}
	if len(order) == 0 {
		return nil
	}

	// Longest increasing subsequence of old indices, in new order.
	tails := make([]int, 0, len(order))
	prev := make([]int, len(order))
	for pos, j := range order {
		value := toMatch[j]
		lo := sort.Search(len(tails), func(k int) bool { return toMatch[order[tails[k]]] >= value })
		if lo > 0 {
			prev[pos] = tails[lo-1]
		} else {
			prev[pos] = -1
		}
		if lo == len(tails) {
			tails = append(tails, pos)
		} else {
			tails[lo] = pos
		}
	}

	stable := make(map[int]bool, len(tails))
	for pos := tails[len(tails)-1]; pos >= 0; pos = prev[pos] {
		stable[order[pos]] = true
	}

	moved := make(map[int]bool)
	for _, j := range order {
		if !stable[j] {
			moved[j] = true
		}
	}
	return moved
}
