/*
Package ai defines the embedding and text generation contracts the
pipeline and retrieval path depend on, plus the offline HashEmbedder.

Providers live in subpackages (openai wraps langchaingo). Token
accounting uses a heuristic word/punctuation tokenizer shared by all
generators; budgets enforced with it (chunk sizes, embedding input caps)
stay close enough to real model tokenizers to be safe.
*/
package ai
