// pdbwriter builds PDB files from module manifests and dumps existing ones.
package main

func main() {
	Execute()
}
