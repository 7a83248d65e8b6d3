// Package mocks provides a scripted generative backend for tests.
//
//	client := mocks.NewLLMClient()
//	client.Script(map[string][]string{
//		pipeline.StageStoryteller: {"Once upon a time..."},
//		pipeline.StageExtractor:   {`{"tension": null}`},
//	})
package mocks
