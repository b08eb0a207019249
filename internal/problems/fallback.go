package problems

import "challengebot/internal/types"

// Fallback returns the built-in challenge for a difficulty. Used when the
// problem source stays unreachable; never fails.
func Fallback(difficulty types.Difficulty) types.Draft {
	if d, ok := fallbacks[difficulty]; ok {
		return d
	}
	return fallbacks[types.DifficultyMedium]
}

var fallbacks = map[types.Difficulty]types.Draft{
	types.DifficultyEasy: {
		Title:        "Add Numbers",
		Description:  "Write a function that adds two numbers.",
		Example:      "Input: add(2, 3) -> Output: 5",
		FunctionStub: "func add(a, b int) int { return a + b }",
		Difficulty:   types.DifficultyEasy,
	},
	types.DifficultyMedium: {
		Title:        "Reverse a String",
		Description:  "Reverse a string without using built-in reverse helpers.",
		Example:      "Input: \"hello\" -> Output: \"olleh\"",
		FunctionStub: "func reverse(s string) string { /* your code */ }",
		Difficulty:   types.DifficultyMedium,
	},
	types.DifficultyHard: {
		Title:        "Palindrome Checker",
		Description:  "Check whether a string is a palindrome.",
		Example:      "Input: \"racecar\" -> Output: true",
		FunctionStub: "func isPalindrome(s string) bool { /* your code */ }",
		Difficulty:   types.DifficultyHard,
	},
}
