// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alignment

import (
	"fmt"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	gunsafe "github.com/grailbio/base/unsafe"
)

// GenomeResolver maps a contig to its genome.
type GenomeResolver interface {
	Genome(contig string) (string, bool)
}

// ShardOf returns the shard, in [0, n), that owns genome.
func ShardOf(genome string, n int) int {
	return int(farm.Hash64(gunsafe.StringToBytes(genome)) % uint64(n))
}

// Partition splits recs into n groups so that all records of one genome land
// in the same group. Shards built this way satisfy the merge precondition
// that no genome is split across shards. The relative order of records is
// preserved within each group.
func Partition(recs []Record, idx GenomeResolver, n int) ([][]Record, error) {
	if n <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: n must be positive, got %d", n))
	}
	parts := make([][]Record, n)
	shardOfGenome := map[string]int{}
	for i := range recs {
		genome, ok := idx.Genome(recs[i].Contig)
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: contig %s has no genome", recs[i].Contig))
		}
		s, ok := shardOfGenome[genome]
		if !ok {
			s = ShardOf(genome, n)
			shardOfGenome[genome] = s
		}
		parts[s] = append(parts[s], recs[i])
	}
	return parts, nil
}
