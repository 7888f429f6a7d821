/*

Process of compilation

C Source Text ->
	front ->
Abstract Syntax Tree (ast) ->
	irgen ->
Intermediate Representation (ir) ->
	isel ->
Virtual-Register Machine Code (x64) ->
	regalloc ->
Physical-Register Machine Code (x64) ->
	encode ->
NASM Assembly Text

The assembly is meant to be fed to nasm and a system linker.

*/
package compiler
