package retriever

// Ratio computes a similarity coefficient in [0,1] between two texts: twice
// the number of characters in common matching blocks divided by the total
// length. Equivalent to difflib's SequenceMatcher ratio, which the re-rank
// step relies on to separate near-duplicate neighbors in embedding space.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra)+len(rb) == 0 {
		return 0
	}

	b2j := make(map[rune][]int, len(rb))
	for j, ch := range rb {
		b2j[ch] = append(b2j[ch], j)
	}

	matched := 0
	type span struct{ alo, ahi, blo, bhi int }
	stack := []span{{0, len(ra), 0, len(rb)}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		besti, bestj, bestsize := longestMatch(ra, b2j, s.alo, s.ahi, s.blo, s.bhi)
		if bestsize == 0 {
			continue
		}
		matched += bestsize
		if s.alo < besti && s.blo < bestj {
			stack = append(stack, span{s.alo, besti, s.blo, bestj})
		}
		if besti+bestsize < s.ahi && bestj+bestsize < s.bhi {
			stack = append(stack, span{besti + bestsize, s.ahi, bestj + bestsize, s.bhi})
		}
	}

	return 2 * float64(matched) / float64(len(ra)+len(rb))
}

// longestMatch finds the longest block of a[alo:ahi] appearing in b[blo:bhi],
// using the index of rune positions in b.
func longestMatch(a []rune, b2j map[rune][]int, alo, ahi, blo, bhi int) (besti, bestj, bestsize int) {
	besti, bestj = alo, blo
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newj2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}
	return besti, bestj, bestsize
}
