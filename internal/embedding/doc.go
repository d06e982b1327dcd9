// Package embedding generates fixed-dimension vector embeddings for note text.
//
// A Provider turns text into a []float32 of a fixed width. The width is
// determined by the configured model and is stable for the lifetime of the
// provider; the model itself is loaded lazily on first use.
//
// The built-in model family is "hash-<D>" — a deterministic feature-hashed
// bag-of-words embedding with L2 normalization. It needs no external model
// files or network access, and the same input text always produces the same
// vector.
//
// # Basic Usage
//
//	provider, err := embedding.New(embedding.Config{Model: "hash-384"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vec, err := provider.Embed(ctx, "Project Alpha kickoff notes")
//	fmt.Printf("dimension: %d\n", len(vec))
package embedding
