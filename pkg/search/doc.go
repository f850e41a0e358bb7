/*
Package search is the retrieval path: semantic search over the memory
DB and grounded question answering on top of it.

Search embeds the query with the same generator the pipeline used and
ranks records by cosine similarity, honoring tag filters in disjunctive
normal form. Ask assembles the top chunks into a fact list bounded by
the text generator's token budget and streams a completion; when
nothing relevant is found it answers "INFO NOT FOUND" instead of
hallucinating.
*/
package search
