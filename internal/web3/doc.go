// Package web3 定义访问区块链所需的窄接口与链配置。
// 读路径（签名校验、余额与持有查询、回执确认）通过 Reader 暴露，
// 写路径（凭证履约交易）通过 Relay 暴露，二者的具体实现位于 ethereum 子包。
package web3
